package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-bank/internal/store"
)

func TestMonitorRunPassesThrough(t *testing.T) {
	m := NewMonitor(time.Second)

	err := m.Run(context.Background(), "op", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)

	sentinel := errors.New("boom")
	err = m.Run(context.Background(), "op", func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestMonitorRunConvertsHangIntoTimeout(t *testing.T) {
	m := NewMonitor(50 * time.Millisecond)

	err := m.Run(context.Background(), "save_exchange", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrTimeout)

	var stepError *StepError
	require.ErrorAs(t, err, &stepError)
	assert.Equal(t, "save_exchange", stepError.Step)
}

func TestMonitorRunHonorsCallerCancellation(t *testing.T) {
	m := NewMonitor(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Run(ctx, "op", func(ctx context.Context) error {
		select {}
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestValidateSaveAcceptsHealthyWrite(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "context.db"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.CreateSession(context.Background(), store.Session{
		ID: "sess-1", ProjectName: "demo", StartedAt: store.Now(), RecordingEnabled: true,
	}))
	require.NoError(t, st.InsertExchange(context.Background(), store.Exchange{
		ID: "exch-1", SessionID: "sess-1", ProjectName: "demo",
		ResponseText: "text", CaptureMethod: store.CaptureManual,
		RecordingEnabled: true, CreatedAt: store.Now(),
	}))

	m := NewMonitor(time.Second)
	assert.NoError(t, m.ValidateSave(st, "sess-1", "exch-1"))
}

func TestValidateSaveRejectsStaleOrMissingWrite(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "context.db"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.CreateSession(context.Background(), store.Session{
		ID: "sess-1", ProjectName: "demo", StartedAt: store.Now(), RecordingEnabled: true,
	}))

	m := NewMonitor(time.Second)

	// Nothing committed at all.
	err = m.ValidateSave(st, "sess-1", "exch-ghost")
	assert.ErrorIs(t, err, ErrSyncValidation)

	// A different exchange is the most recent one.
	require.NoError(t, st.InsertExchange(context.Background(), store.Exchange{
		ID: "exch-1", SessionID: "sess-1", ProjectName: "demo",
		ResponseText: "first", CaptureMethod: store.CaptureManual,
		RecordingEnabled: true, CreatedAt: store.Now(),
	}))
	require.NoError(t, st.InsertExchange(context.Background(), store.Exchange{
		ID: "exch-2", SessionID: "sess-1", ProjectName: "demo",
		ResponseText: "second", CaptureMethod: store.CaptureManual,
		RecordingEnabled: true, CreatedAt: store.Now(),
	}))

	err = m.ValidateSave(st, "sess-1", "exch-1")
	assert.ErrorIs(t, err, ErrSyncValidation)

	assert.NoError(t, m.ValidateSave(st, "sess-1", "exch-2"))
}
