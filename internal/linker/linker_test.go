package linker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-bank/internal/store"
)

type fakeSearcher struct {
	matches []store.RecordMatch
	err     error
	queries []string
}

func (f *fakeSearcher) SearchRecords(query string, limit int) ([]store.RecordMatch, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func fixedLinker(s Searcher, at time.Time) *Linker {
	l := New(s)
	l.now = func() time.Time { return at }
	return l
}

func TestFindCandidatesEmptyStoreIsNotAnError(t *testing.T) {
	l := New(&fakeSearcher{})
	ids, err := l.FindCandidates("anything at all", 3)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFindCandidatesPropagatesSearchFailure(t *testing.T) {
	l := New(&fakeSearcher{err: errors.New("index unavailable")})
	_, err := l.FindCandidates("anything", 3)
	assert.Error(t, err)
}

func TestFindCandidatesOrdersByRelevanceAndRecency(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-1 * time.Hour).Format(time.RFC3339Nano)
	stale := now.Add(-90 * 24 * time.Hour).Format(time.RFC3339Nano)

	l := fixedLinker(&fakeSearcher{matches: []store.RecordMatch{
		{ID: "old-strong", CreatedAt: stale, Rank: -10},
		{ID: "new-weak", CreatedAt: fresh, Rank: -9.5},
		{ID: "old-weak", CreatedAt: stale, Rank: -1},
	}}, now)

	ids, err := l.FindCandidates("query", 3)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	// The recent near-equal match overtakes the stale one; the weak stale
	// match stays last.
	assert.Equal(t, []string{"new-weak", "old-strong", "old-weak"}, ids)
}

func TestFindCandidatesTiesBreakMostRecentFirst(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	older := now.Add(-2 * time.Hour).Format(time.RFC3339Nano)
	newer := now.Add(-1 * time.Hour).Format(time.RFC3339Nano)

	l := fixedLinker(&fakeSearcher{matches: []store.RecordMatch{
		{ID: "older", CreatedAt: older, Rank: -5},
		{ID: "newer", CreatedAt: newer, Rank: -5},
	}}, now)

	ids, err := l.FindCandidates("query", 2)
	require.NoError(t, err)
	assert.Equal(t, "newer", ids[0])
}

func TestFindCandidatesDeterministic(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(-1 * time.Hour).Format(time.RFC3339Nano)

	searcher := &fakeSearcher{matches: []store.RecordMatch{
		{ID: "a", CreatedAt: at, Rank: -3},
		{ID: "b", CreatedAt: at, Rank: -2},
		{ID: "c", CreatedAt: at, Rank: -1},
	}}
	l := fixedLinker(searcher, now)

	first, err := l.FindCandidates("query", 3)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := l.FindCandidates("query", 3)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestFindCandidatesRespectsLimit(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	at := now.Format(time.RFC3339Nano)

	l := fixedLinker(&fakeSearcher{matches: []store.RecordMatch{
		{ID: "a", CreatedAt: at, Rank: -3},
		{ID: "b", CreatedAt: at, Rank: -2},
		{ID: "c", CreatedAt: at, Rank: -1},
	}}, now)

	ids, err := l.FindCandidates("query", 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	ids, err = l.FindCandidates("query", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
