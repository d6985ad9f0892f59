package engine

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/lazypower/cortex/internal/store"
)

// Hit is one nearest-neighbour result.
type Hit struct {
	ID    string
	Score float64
}

// VectorIndex is an exact in-memory nearest-neighbour index over node
// embeddings, written through to the node_vectors table when a database is
// attached. Vectors produced by a different model are ignored on load.
type VectorIndex struct {
	mu    sync.RWMutex
	vecs  map[string][]float64
	db    *store.DB
	model string
}

// NewVectorIndex creates an index for embeddings of the given model. db may
// be nil.
func NewVectorIndex(db *store.DB, model string) *VectorIndex {
	return &VectorIndex{vecs: make(map[string][]float64), db: db, model: model}
}

// Load reads every stored vector of the index's model.
func (x *VectorIndex) Load() (int, error) {
	if x.db == nil {
		return 0, nil
	}
	records, err := x.db.AllVectors()
	if err != nil {
		return 0, fmt.Errorf("load vectors: %w", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, r := range records {
		if r.Model != x.model {
			continue
		}
		x.vecs[r.NodeID] = r.Embedding
		n++
	}
	return n, nil
}

// Put stores the vector for a node.
func (x *VectorIndex) Put(id string, vec []float64) error {
	if x.db != nil {
		if err := x.db.SaveVector(id, vec, x.model); err != nil {
			return err
		}
	}
	x.mu.Lock()
	x.vecs[id] = vec
	x.mu.Unlock()
	return nil
}

// Get returns the vector of a node, or nil.
func (x *VectorIndex) Get(id string) []float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.vecs[id]
}

// Has reports whether the node has a vector.
func (x *VectorIndex) Has(id string) bool {
	return x.Get(id) != nil
}

// Forget drops a node's vector from memory. The stored row goes away with
// the node through the foreign key cascade.
func (x *VectorIndex) Forget(ids ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.vecs, id)
	}
}

// Reset empties the index.
func (x *VectorIndex) Reset() {
	x.mu.Lock()
	x.vecs = make(map[string][]float64)
	x.mu.Unlock()
}

// Len returns the number of indexed vectors.
func (x *VectorIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vecs)
}

// Search returns up to k nodes most similar to vec, best first, ties by id.
// keep, when non-nil, filters candidates.
func (x *VectorIndex) Search(vec []float64, k int, keep func(id string) bool) []Hit {
	if k <= 0 || len(vec) == 0 {
		return nil
	}
	x.mu.RLock()
	hits := make([]Hit, 0, len(x.vecs))
	for id, v := range x.vecs {
		if keep != nil && !keep(id) {
			continue
		}
		if len(v) != len(vec) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: CosineSimilarity(vec, v)})
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// logPutError logs a failed vector write; ingestion carries on without it.
func (x *VectorIndex) logPutError(id string, err error) {
	if err != nil {
		log.Printf("index: save vector %s: %v", id, err)
	}
}
