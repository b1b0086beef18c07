package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"memory-bank/internal/audit"
	"memory-bank/internal/capture"
	"memory-bank/internal/linker"
	"memory-bank/internal/privacy"
	"memory-bank/internal/store"
)

// Session is the active recording session. One per process lifetime; it ends
// at process teardown and is never explicitly closed.
type Session struct {
	ID          string
	ProjectName string
	StartedAt   string
}

// SessionStatus is the read-only view returned by start_session and
// session_status.
type SessionStatus struct {
	Started          bool        `json:"started"`
	SessionID        string      `json:"session_id,omitempty"`
	ProjectName      string      `json:"project_name,omitempty"`
	StartedAt        string      `json:"started_at,omitempty"`
	RecordingEnabled bool        `json:"recording_enabled"`
	OffTheRecord     bool        `json:"off_the_record"`
	LastExchangeID   string      `json:"last_exchange_id,omitempty"`
	DatabasePath     string      `json:"database_path"`
	Stats            store.Stats `json:"stats"`
}

// PrivacyState is returned by the off_the_record toggle.
type PrivacyState struct {
	RecordingEnabled bool `json:"recording_enabled"`
	OffTheRecord     bool `json:"off_the_record"`
}

// Link states surfaced on a save result. Linked means the link set was
// persisted inside the exchange transaction; LinkPending means linking failed
// and the set will be recomputed later (links are always recomputable).
const (
	LinkStateLinked  = "linked"
	LinkStatePending = "link-pending"
)

// SaveResult is the committed exchange plus how its links were persisted.
type SaveResult struct {
	Exchange  *store.Exchange
	LinkState string
}

// Options tune the engine's retry and timeout behavior.
type Options struct {
	CaptureTimeout   time.Duration
	CaptureRetries   int
	CaptureBackoff   time.Duration
	LinkLimit        int
	OperationTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = 5 * time.Second
	}
	if o.CaptureRetries < 0 {
		o.CaptureRetries = 0
	}
	if o.CaptureBackoff <= 0 {
		o.CaptureBackoff = 300 * time.Millisecond
	}
	if o.LinkLimit <= 0 {
		o.LinkLimit = 3
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 30 * time.Second
	}
	return o
}

// Engine orchestrates capture, privacy gating, storage, linking and
// validation behind the public recording commands. It exclusively owns the
// store handle; one recording command runs at a time.
type Engine struct {
	mu      sync.Mutex
	store   *store.Store
	adapter capture.Adapter
	links   *linker.Linker
	trail   audit.Trail
	monitor *Monitor
	opts    Options

	// session and gate are written under both mu and sessMu. Operation
	// closures hold mu and read them directly; the audit path runs after the
	// monitor returned, possibly while a timed-out worker still holds mu, so
	// it reads through sessMu instead.
	sessMu  sync.RWMutex
	session *Session
	gate    *privacy.Gate
}

func NewEngine(st *store.Store, adapter capture.Adapter, trail audit.Trail, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:   st,
		adapter: adapter,
		links:   linker.New(st),
		trail:   trail,
		monitor: NewMonitor(opts.OperationTimeout),
		opts:    opts,
	}
}

// StartSession initializes recording for a project. A second start while a
// session is active is rejected: re-starting must be explicit, not a silent
// overwrite.
func (e *Engine) StartSession(ctx context.Context, projectName string, optOut bool) (*SessionStatus, error) {
	var status *SessionStatus
	err := e.monitor.Run(ctx, "start_session", func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if projectName == "" {
			return stepErr("session", errors.New("project name is required"))
		}
		if e.session != nil {
			return stepErr("session", ErrAlreadyStarted)
		}

		sess := &Session{
			ID:          "sess-" + shortID(),
			ProjectName: projectName,
			StartedAt:   store.Now(),
		}
		if err := e.store.CreateSession(ctx, store.Session{
			ID:               sess.ID,
			ProjectName:      sess.ProjectName,
			StartedAt:        sess.StartedAt,
			RecordingEnabled: !optOut,
		}); err != nil {
			return stepErr("store", fmt.Errorf("%w: %v", ErrStoreWrite, err))
		}

		e.sessMu.Lock()
		e.session = sess
		e.gate = privacy.NewGate(optOut)
		e.sessMu.Unlock()
		status = e.statusLocked()
		return nil
	})
	e.audit("start_session", "", err)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// SaveExchange runs the full manual-save pipeline: gate check, bounded
// capture, id allocation, one transaction covering the exchange row, its
// search index entry and its links, then post-write validation. Each step is
// independently failable and is named in the returned error.
func (e *Engine) SaveExchange(ctx context.Context, note string) (*SaveResult, error) {
	var result *SaveResult
	err := e.monitor.Run(ctx, "save_exchange", func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.session == nil {
			return stepErr("session", ErrNoSession)
		}
		if !e.gate.WriteAllowed() {
			return stepErr("gate", ErrRecordingDisabled)
		}

		// Capture is the only suspension point and must complete before any
		// transaction begins: a timed-out capture never leaves a half-written
		// row behind.
		text, err := e.captureWithRetry(ctx)
		if err != nil {
			return stepErr("capture", err)
		}
		// If the operation deadline passed while capturing, the caller has
		// already been told the save failed. Nothing may commit after that.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stepErr("capture", fmt.Errorf("%w: %v", ErrCaptureFailed, ctxErr))
		}

		exchangeID := "exch-" + shortID()

		// Linking is advisory and read-only; a linker failure never blocks
		// the save.
		candidates, linkErr := e.links.FindCandidates(text, e.opts.LinkLimit)
		if linkErr != nil {
			log.Printf("⚠️ Linker failed, exchange will be saved link-pending: %v", linkErr)
			candidates = nil
		}

		ex := store.Exchange{
			ID:               exchangeID,
			SessionID:        e.session.ID,
			ProjectName:      e.session.ProjectName,
			ResponseText:     text,
			UserNote:         note,
			CaptureMethod:    store.CaptureManual,
			RecordingEnabled: true,
			CreatedAt:        store.Now(),
			LinkedIDs:        candidates,
		}
		if err := e.store.InsertExchange(ctx, ex); err != nil {
			return stepErr("store", fmt.Errorf("%w: %v", ErrStoreWrite, err))
		}

		linkState := LinkStateLinked
		if linkErr != nil {
			// Corrective update outside the exchange transaction. If it fails
			// again the save still stands; links stay recomputable.
			if ids, err := e.links.FindCandidates(text, e.opts.LinkLimit); err == nil {
				if err := e.store.SetLinks(ctx, exchangeID, ids); err == nil {
					ex.LinkedIDs = ids
				} else {
					linkState = LinkStatePending
				}
			} else {
				linkState = LinkStatePending
			}
		}

		// A persisted but unverifiable record is unsafe: downgrade to failure.
		if err := e.monitor.ValidateSave(e.store, e.session.ID, exchangeID); err != nil {
			return err
		}

		committed, err := e.store.GetExchange(exchangeID)
		if err != nil {
			return stepErr("validate", fmt.Errorf("%w: %v", ErrSyncValidation, err))
		}
		result = &SaveResult{Exchange: committed, LinkState: linkState}
		return nil
	})

	// On timeout the worker is abandoned and may still own result; it is only
	// read on the success path, where the monitor's return synchronizes.
	if err != nil {
		e.audit("save_exchange", "", err)
		return nil, err
	}
	e.audit("save_exchange", result.Exchange.ID, nil)
	return result, nil
}

// LastExchange returns the most recent committed exchange of the active
// session. An empty session yields ErrNotFound, which is a normal result.
func (e *Engine) LastExchange(ctx context.Context) (*store.Exchange, error) {
	var ex *store.Exchange
	err := e.monitor.Run(ctx, "replay", func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.session == nil {
			return stepErr("session", ErrNoSession)
		}
		last, err := e.store.LastExchange(e.session.ID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return stepErr("store", err)
		}
		ex = last
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// SetOffTheRecord toggles the privacy override. Idempotent: repeating a
// toggle leaves state unchanged and still succeeds.
func (e *Engine) SetOffTheRecord(ctx context.Context, enable bool) (*PrivacyState, error) {
	var state *PrivacyState
	err := e.monitor.Run(ctx, "off_the_record", func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.session == nil {
			return stepErr("session", ErrNoSession)
		}
		e.gate.SetOffTheRecord(enable)
		rec, off := e.gate.State()
		state = &PrivacyState{RecordingEnabled: rec, OffTheRecord: off}
		return nil
	})
	e.audit("off_the_record", "", err)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Status reports the current session fields, the last committed exchange id
// and store statistics without mutating anything.
func (e *Engine) Status(ctx context.Context) (*SessionStatus, error) {
	var status *SessionStatus
	err := e.monitor.Run(ctx, "session_status", func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		status = e.statusLocked()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (e *Engine) statusLocked() *SessionStatus {
	status := &SessionStatus{DatabasePath: e.store.Path()}

	if stats, err := e.store.Stats(); err == nil {
		status.Stats = stats
	} else {
		log.Printf("⚠️ Failed to collect store stats: %v", err)
	}

	if e.session == nil {
		return status
	}
	status.Started = true
	status.SessionID = e.session.ID
	status.ProjectName = e.session.ProjectName
	status.StartedAt = e.session.StartedAt
	status.RecordingEnabled, status.OffTheRecord = e.gate.State()

	if last, err := e.store.LastExchange(e.session.ID); err == nil {
		status.LastExchangeID = last.ID
	}
	return status
}

// VerifySync reports exchanges whose search index entry is out of sync. With
// repair set, desynchronized entries are re-derived first, so the returned
// list is empty unless reconciliation itself failed to repair something.
func (e *Engine) VerifySync(ctx context.Context, repair bool) ([]string, error) {
	var desynced []string
	err := e.monitor.Run(ctx, "verify_sync", func(ctx context.Context) error {
		if repair {
			repaired, err := e.store.Reconcile(ctx)
			if err != nil {
				return stepErr("reconcile", err)
			}
			if repaired > 0 {
				log.Printf("🔧 Reconciled %d search index entries", repaired)
			}
		}
		ids, err := e.store.VerifySync()
		if err != nil {
			return stepErr("verify", err)
		}
		desynced = ids
		return nil
	})
	e.audit("verify_sync", "", err)
	if err != nil {
		return nil, err
	}
	return desynced, nil
}

// SearchExchanges runs a full-text query over recorded exchanges.
func (e *Engine) SearchExchanges(ctx context.Context, query string, limit int) ([]store.Exchange, error) {
	var results []store.Exchange
	err := e.monitor.Run(ctx, "search_exchanges", func(ctx context.Context) error {
		found, err := e.store.SearchExchanges(query, limit)
		if err != nil {
			return stepErr("search", err)
		}
		results = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// captureWithRetry invokes the capture adapter under its own timeout, with a
// small fixed retry bound. Empty captures count as failures: placeholder
// content is never synthesized.
func (e *Engine) captureWithRetry(ctx context.Context) (string, error) {
	attempts := e.opts.CaptureRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		captureCtx, cancel := context.WithTimeout(ctx, e.opts.CaptureTimeout)
		text, err := e.adapter.CaptureLastResponse(captureCtx)
		ctxErr := captureCtx.Err()
		cancel()

		// An adapter that ignores cancellation can deliver content after its
		// deadline already expired. That result was reported as failed and
		// must not be accepted.
		switch {
		case err != nil:
			lastErr = err
		case ctxErr != nil:
			lastErr = fmt.Errorf("capture result arrived after deadline: %v", ctxErr)
		case strings.TrimSpace(text) == "":
			lastErr = errors.New("capture returned empty content")
		default:
			return strings.TrimSpace(text), nil
		}

		log.Printf("⚠️ Capture attempt %d/%d failed: %v", attempt, attempts, lastErr)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrCaptureFailed, ctx.Err())
			case <-time.After(e.opts.CaptureBackoff):
			}
		}
	}
	return "", fmt.Errorf("%w: %v", ErrCaptureFailed, lastErr)
}

func (e *Engine) audit(operation, exchangeID string, opErr error) {
	if e.trail == nil {
		return
	}
	e.sessMu.RLock()
	sessionID := ""
	if e.session != nil {
		sessionID = e.session.ID
	}
	e.sessMu.RUnlock()
	event := audit.Event{
		Timestamp:  time.Now().UTC(),
		Operation:  operation,
		SessionID:  sessionID,
		ExchangeID: exchangeID,
		Outcome:    "ok",
	}
	if opErr != nil {
		event.Outcome = "error"
		event.Detail = opErr.Error()
	}
	if err := e.trail.Append(event); err != nil {
		log.Printf("⚠️ Audit append failed: %v", err)
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
