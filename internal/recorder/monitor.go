package recorder

import (
	"context"
	"fmt"
	"time"

	"memory-bank/internal/store"
)

// Monitor enforces a hard timeout boundary around every engine operation and
// validates writes after the fact. It holds no state besides the configured
// bound and is shared by all entry points.
type Monitor struct {
	timeout time.Duration
}

func NewMonitor(timeout time.Duration) *Monitor {
	return &Monitor{timeout: timeout}
}

// Run executes fn under the monitor's timeout. A hang is converted into a
// timeout error for the named operation rather than blocking indefinitely.
// On timeout the worker goroutine is abandoned holding the expired ctx:
// context-bound store writes keep it from committing anything afterwards, and
// callers must not read state shared with fn once Run returned an error.
func (m *Monitor) Run(ctx context.Context, operation string, fn func(context.Context) error) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return stepErr(operation, fmt.Errorf("%w after %s", ErrTimeout, m.timeout))
	}
}

// ValidateSave confirms a nominally successful save: the committed id must be
// what the most-recent lookup returns, and the store must pass its sync check.
// A record that cannot be verified is treated as unsafe and the save is
// reported as failed.
func (m *Monitor) ValidateSave(st *store.Store, sessionID, exchangeID string) error {
	last, err := st.LastExchange(sessionID)
	if err != nil {
		return stepErr("validate", fmt.Errorf("%w: committed exchange not retrievable: %v", ErrSyncValidation, err))
	}
	if last.ID != exchangeID {
		return stepErr("validate", fmt.Errorf("%w: last exchange is %s, expected %s", ErrSyncValidation, last.ID, exchangeID))
	}

	desynced, err := st.VerifySync()
	if err != nil {
		return stepErr("validate", fmt.Errorf("%w: %v", ErrSyncValidation, err))
	}
	if len(desynced) > 0 {
		return stepErr("validate", fmt.Errorf("%w: %d desynchronized entries, run verify_sync", ErrSyncValidation, len(desynced)))
	}
	return nil
}
