package privacy

import "sync"

// Gate controls whether exchange writes are permitted for the active session.
// It holds in-memory session state only and never touches storage.
type Gate struct {
	mu               sync.RWMutex
	recordingEnabled bool
	offTheRecord     bool
}

// NewGate returns a gate with recording enabled unless the session opted out.
func NewGate(optOut bool) *Gate {
	return &Gate{recordingEnabled: !optOut}
}

// WriteAllowed reports whether a save may proceed right now.
// A write is allowed only when recording is enabled and the session
// is not off the record.
func (g *Gate) WriteAllowed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.recordingEnabled && !g.offTheRecord
}

// SetRecording toggles the master recording flag. Setting the flag to its
// current value is a no-op.
func (g *Gate) SetRecording(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordingEnabled = enabled
}

// SetOffTheRecord toggles the short-lived privacy override. It is independent
// of the master recording flag and idempotent.
func (g *Gate) SetOffTheRecord(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offTheRecord = enabled
}

// State returns a snapshot of both flags.
func (g *Gate) State() (recordingEnabled, offTheRecord bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.recordingEnabled, g.offTheRecord
}
