package linker

import (
	"sort"
	"time"

	"memory-bank/internal/store"
)

// Searcher is the read-only slice of the store the linker needs.
type Searcher interface {
	SearchRecords(query string, limit int) ([]store.RecordMatch, error)
}

// Linker associates a new exchange with existing discussion/decision records
// by lexical overlap, re-weighted by recency. It is a pure function of current
// store content: no randomness, same input and store state give the same
// candidates.
type Linker struct {
	searcher Searcher
	now      func() time.Time
}

func New(searcher Searcher) *Linker {
	return &Linker{searcher: searcher, now: time.Now}
}

// halfLife controls how quickly old records lose standing against
// better-matching but stale ones.
const halfLife = 7 * 24 * time.Hour

// FindCandidates returns up to limit record ids ordered by combined
// relevance and recency, ties broken most-recent-first. Linking is advisory:
// an empty store or a query with no matches yields an empty result, never an
// error from the caller's point of view.
func (l *Linker) FindCandidates(text string, limit int) ([]string, error) {
	if limit <= 0 || text == "" {
		return nil, nil
	}

	// Over-fetch so recency re-ranking has something to reorder.
	matches, err := l.searcher.SearchRecords(text, limit*3)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	type candidate struct {
		id        string
		score     float64
		createdAt time.Time
	}

	now := l.now()
	cands := make([]candidate, 0, len(matches))
	for _, m := range matches {
		createdAt, perr := time.Parse(time.RFC3339Nano, m.CreatedAt)
		if perr != nil {
			createdAt, _ = time.Parse(time.RFC3339, m.CreatedAt)
		}

		// FTS5 rank is negative bm25: more negative means more relevant.
		relevance := -m.Rank
		age := now.Sub(createdAt)
		if age < 0 {
			age = 0
		}
		recency := 1.0 / (1.0 + age.Hours()/halfLife.Hours())

		cands = append(cands, candidate{
			id:        m.ID,
			score:     relevance * (0.5 + 0.5*recency),
			createdAt: createdAt,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if !cands[i].createdAt.Equal(cands[j].createdAt) {
			return cands[i].createdAt.After(cands[j].createdAt)
		}
		return cands[i].id < cands[j].id
	})

	if len(cands) > limit {
		cands = cands[:limit]
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids, nil
}
