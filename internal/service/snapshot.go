package service

import (
	"sync"

	"policyqa/internal/domain"
	"policyqa/internal/embedding"
	"policyqa/internal/vectorstore"
)

// snapshot is one published document: its clauses, the adapter that
// embedded them and the index built from them. It is never mutated after
// publish; retire only flips the flag and releases the index.
type snapshot struct {
	mu      sync.RWMutex
	retired bool

	documentID string
	clauses    []domain.Clause
	byID       map[string]int
	embedder   *embedding.Adapter
	index      vectorstore.Index
	summary    string
}

func newSnapshot(documentID string, clauses []domain.Clause, emb *embedding.Adapter, idx vectorstore.Index, summary string) *snapshot {
	byID := make(map[string]int, len(clauses))
	for i, c := range clauses {
		byID[c.ID] = i
	}
	return &snapshot{documentID: documentID, clauses: clauses, byID: byID, embedder: emb, index: idx, summary: summary}
}

// acquire read-locks a live snapshot. It reports false if the snapshot was
// retired, in which case the caller should load the current one again.
func (s *snapshot) acquire() bool {
	s.mu.RLock()
	if s.retired {
		s.mu.RUnlock()
		return false
	}
	return true
}

func (s *snapshot) release() { s.mu.RUnlock() }

// retire waits for in-flight queries and closes the index.
func (s *snapshot) retire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return nil
	}
	s.retired = true
	return s.index.Close()
}

func (s *snapshot) clause(id string) (domain.Clause, bool) {
	i, ok := s.byID[id]
	if !ok {
		return domain.Clause{}, false
	}
	return s.clauses[i], true
}
