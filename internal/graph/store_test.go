package graph

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lazypower/cortex/internal/dynamics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countTracker struct {
	counts map[string]int
}

func (c *countTracker) Observe(entityType string, delta int) {
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[entityType] += delta
}

type failingPersister struct {
	err   error
	calls int
}

func (f *failingPersister) CommitGraph(cs Changeset) error {
	f.calls++
	return f.err
}

func testStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := New(dynamics.DefaultParams())
	s.SetClock(clock.Now)
	return s, clock
}

func mustNode(t *testing.T, s *Store, name, typ string) Node {
	t.Helper()
	n, err := s.UpsertNode(Node{Name: name, Type: typ})
	if err != nil {
		t.Fatalf("UpsertNode(%s): %v", name, err)
	}
	return n
}

func mustEdge(t *testing.T, s *Store, src, tgt, rel string, w float64) Edge {
	t.Helper()
	e, err := s.UpsertEdge(Edge{SourceID: src, TargetID: tgt, Relation: rel, Weight: w})
	if err != nil {
		t.Fatalf("UpsertEdge(%s): %v", rel, err)
	}
	return e
}

func TestUpsertNodeAssignsID(t *testing.T) {
	s, _ := testStore(t)
	n := mustNode(t, s, "John", "person")
	if n.ID == "" {
		t.Fatal("expected generated id")
	}
	if n.CreatedAt.IsZero() || n.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	got, err := s.GetNode(n.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Name != "John" || got.Type != "person" {
		t.Errorf("got %+v", got)
	}
}

func TestUpsertNodeRejectsTypeChange(t *testing.T) {
	s, _ := testStore(t)
	n := mustNode(t, s, "Berlin", "place")
	n.Type = "thing"
	if _, err := s.UpsertNode(n); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestUpsertNodeValidation(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.UpsertNode(Node{Name: "  ", Type: "person"}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty name: err = %v, want ErrValidation", err)
	}
	if _, err := s.UpsertNode(Node{Name: "x"}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty type: err = %v, want ErrValidation", err)
	}
}

func TestUpsertEdgeUnknownEndpoint(t *testing.T) {
	s, _ := testStore(t)
	a := mustNode(t, s, "a", "thing")

	_, err := s.UpsertEdge(Edge{SourceID: a.ID, TargetID: "missing", Relation: "mentions", Weight: 0.5})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	_, err = s.UpsertEdge(Edge{SourceID: "missing", TargetID: a.ID, Relation: "mentions", Weight: 0.5})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertEdgeClampsWeight(t *testing.T) {
	s, _ := testStore(t)
	a := mustNode(t, s, "a", "thing")
	b := mustNode(t, s, "b", "thing")

	hi := mustEdge(t, s, a.ID, b.ID, "likes", 1.7)
	if hi.Weight != 1 {
		t.Errorf("weight = %v, want 1", hi.Weight)
	}
	lo := mustEdge(t, s, a.ID, b.ID, "hates", -3)
	if lo.Weight != 0 {
		t.Errorf("weight = %v, want 0", lo.Weight)
	}
}

func TestNeighborsOrdering(t *testing.T) {
	s, clock := testStore(t)
	hub := mustNode(t, s, "hub", "concept")
	var others []Node
	for i := 0; i < 4; i++ {
		others = append(others, mustNode(t, s, fmt.Sprintf("n%d", i), "concept"))
	}

	heavy := mustEdge(t, s, hub.ID, others[0].ID, "rel", 0.9)
	tieOld := mustEdge(t, s, hub.ID, others[1].ID, "rel", 0.5)
	tieNew := mustEdge(t, s, others[2].ID, hub.ID, "rel", 0.5)
	tieNever := mustEdge(t, s, hub.ID, others[3].ID, "rel", 0.5)

	// Pin all ties so traversal boosts leave equal weights behind.
	for _, e := range []Edge{tieOld, tieNew, tieNever} {
		if _, err := s.Confirm(e.ID); err != nil {
			t.Fatalf("Confirm: %v", err)
		}
	}
	setWeight := func(id string) {
		s.mu.Lock()
		s.edges[id].Weight = 0.5
		s.mu.Unlock()
	}

	if _, err := s.Traverse(tieOld.ID); err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := s.Traverse(tieNew.ID); err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	setWeight(tieOld.ID)
	setWeight(tieNew.ID)

	got, err := s.Neighbors(hub.ID)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	want := []string{heavy.ID, tieNew.ID, tieOld.ID, tieNever.ID}
	if len(got) != len(want) {
		t.Fatalf("got %d neighbors, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("neighbor[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestNeighborsIDTieBreak(t *testing.T) {
	s, _ := testStore(t)
	hub := mustNode(t, s, "hub", "concept")
	a := mustNode(t, s, "a", "concept")
	b := mustNode(t, s, "b", "concept")

	e1, _ := s.UpsertEdge(Edge{ID: "edge-b", SourceID: hub.ID, TargetID: a.ID, Relation: "rel", Weight: 0.5})
	e2, _ := s.UpsertEdge(Edge{ID: "edge-a", SourceID: hub.ID, TargetID: b.ID, Relation: "rel", Weight: 0.5})

	got, err := s.Neighbors(hub.ID)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if got[0].ID != e2.ID || got[1].ID != e1.ID {
		t.Errorf("order = [%s %s], want [edge-a edge-b]", got[0].ID, got[1].ID)
	}
}

func TestNeighborsUnknownNode(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Neighbors("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDecayedEdgeExcludedFromNeighbors(t *testing.T) {
	s, clock := testStore(t)
	a := mustNode(t, s, "a", "thing")
	b := mustNode(t, s, "b", "thing")
	e := mustEdge(t, s, a.ID, b.ID, "rel", 0.2)

	got, _ := s.Neighbors(a.ID)
	if len(got) != 1 {
		t.Fatalf("fresh edge missing from neighbors")
	}

	// 0.2 * 0.5^3 = 0.025 < 0.05
	clock.Advance(3 * s.Params().HalfLife)
	got, _ = s.Neighbors(a.ID)
	if len(got) != 0 {
		t.Errorf("decayed edge %s still selectable", e.ID)
	}
	if _, edges := s.Counts(); edges != 0 {
		t.Errorf("edge count = %d, want 0", edges)
	}

	removed, err := s.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != e.ID {
		t.Errorf("Prune removed %v", removed)
	}
	if _, err := s.GetEdge(e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("pruned edge still present: %v", err)
	}
}

func TestTraverseBoostsFromDecayedWeight(t *testing.T) {
	s, clock := testStore(t)
	a := mustNode(t, s, "a", "thing")
	b := mustNode(t, s, "b", "thing")
	e := mustEdge(t, s, a.ID, b.ID, "rel", 0.8)

	clock.Advance(s.Params().HalfLife)
	got, err := s.Traverse(e.ID)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	// 0.8 decays to 0.4, boost adds 0.1
	if d := got.Weight - 0.5; d > 1e-9 || d < -1e-9 {
		t.Errorf("weight = %v, want 0.5", got.Weight)
	}
	if got.TraversalCount != 1 {
		t.Errorf("traversal_count = %d, want 1", got.TraversalCount)
	}
	if got.LastTraversed == nil || !got.LastTraversed.Equal(clock.Now()) {
		t.Errorf("last_traversed = %v, want %v", got.LastTraversed, clock.Now())
	}

	// Reading again at the same instant must not decay twice.
	again, _ := s.GetEdge(e.ID)
	if again.Weight != got.Weight {
		t.Errorf("re-read weight = %v, want %v", again.Weight, got.Weight)
	}
}

func TestConfirmIdempotentAndPinned(t *testing.T) {
	s, clock := testStore(t)
	a := mustNode(t, s, "a", "thing")
	b := mustNode(t, s, "b", "thing")
	e := mustEdge(t, s, a.ID, b.ID, "rel", 0.6)

	once, err := s.Confirm(e.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	twice, err := s.Confirm(e.ID)
	if err != nil {
		t.Fatalf("Confirm twice: %v", err)
	}
	if once.Weight != twice.Weight || once.Pinned != twice.Pinned || !twice.Pinned {
		t.Errorf("confirm not idempotent: %+v vs %+v", once, twice)
	}
	if once.Weight != 0.6 {
		t.Errorf("confirm changed weight to %v", once.Weight)
	}

	for i := 0; i < 5; i++ {
		clock.Advance(10 * s.Params().HalfLife)
		got, err := s.GetEdge(e.ID)
		if err != nil {
			t.Fatalf("GetEdge: %v", err)
		}
		if got.Weight != 0.6 {
			t.Fatalf("pinned edge decayed to %v", got.Weight)
		}
	}
}

func TestConfirmUnknownEdge(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Confirm("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.Reject("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRejectInstanceScoped(t *testing.T) {
	s, _ := testStore(t)
	a := mustNode(t, s, "John", "person")
	b := mustNode(t, s, "OpenAI", "organization")
	e := mustEdge(t, s, a.ID, b.ID, "works_at", 0.7)

	if _, err := s.Reject(e.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	for _, live := range s.Edges() {
		if live.ID == e.ID {
			t.Fatal("rejected edge still listed")
		}
	}
	if _, err := s.GetEdge(e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEdge after reject: %v", err)
	}

	res, err := s.Apply(Batch{Edges: []Edge{{SourceID: a.ID, TargetID: b.ID, Relation: "works_at", Weight: 0.7}}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Edges) != 1 || !res.Edges[0].Created {
		t.Fatalf("expected recreated edge, got %+v", res)
	}
	if res.Edges[0].Edge.ID == e.ID {
		t.Error("recreated edge reused the rejected id")
	}
}

func TestRejectPatternSuppresses(t *testing.T) {
	s, _ := testStore(t)
	s.SetRejectPolicy(RejectPattern)
	a := mustNode(t, s, "John", "person")
	b := mustNode(t, s, "OpenAI", "organization")
	e := mustEdge(t, s, a.ID, b.ID, "works_at", 0.7)

	if _, err := s.Reject(e.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	res, err := s.Apply(Batch{Edges: []Edge{{SourceID: a.ID, TargetID: b.ID, Relation: "Works At", Weight: 0.7}}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Edges) != 0 || len(res.Suppressed) != 1 {
		t.Errorf("expected suppression, got %+v", res)
	}
}

func TestDeleteRemovesIncidentEdges(t *testing.T) {
	s, _ := testStore(t)
	tracker := &countTracker{}
	s.SetTypeTracker(tracker)

	a := mustNode(t, s, "a", "thing")
	b := mustNode(t, s, "b", "thing")
	c := mustNode(t, s, "c", "thing")
	mustEdge(t, s, a.ID, b.ID, "rel", 0.5)
	mustEdge(t, s, c.ID, a.ID, "rel", 0.5)
	keep := mustEdge(t, s, b.ID, c.ID, "rel", 0.5)

	removed, err := s.Delete(a.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("removed %d edges, want 2", len(removed))
	}
	edges := s.Edges()
	if len(edges) != 1 || edges[0].ID != keep.ID {
		t.Errorf("remaining edges = %+v", edges)
	}
	if tracker.counts["thing"] != 2 {
		t.Errorf("thing count = %d, want 2", tracker.counts["thing"])
	}
	if _, err := s.Delete(a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestPersistFailureLeavesStateUntouched(t *testing.T) {
	s, _ := testStore(t)
	a := mustNode(t, s, "a", "thing")
	b := mustNode(t, s, "b", "thing")
	e := mustEdge(t, s, a.ID, b.ID, "rel", 0.5)

	p := &failingPersister{err: errors.New("disk full")}
	s.SetPersister(p)

	if _, err := s.Merge(a.ID, []string{b.ID}); err == nil {
		t.Fatal("expected merge to fail")
	}
	if p.calls != 1 {
		t.Errorf("persister calls = %d, want 1", p.calls)
	}
	if _, err := s.GetNode(b.ID); err != nil {
		t.Errorf("merged node vanished after failed commit: %v", err)
	}
	got, err := s.GetEdge(e.ID)
	if err != nil || got.TargetID != b.ID {
		t.Errorf("edge changed after failed commit: %+v, %v", got, err)
	}
}

func TestFindByNameCaseInsensitive(t *testing.T) {
	s, _ := testStore(t)
	n := mustNode(t, s, "OpenAI", "organization")
	mustNode(t, s, "Open AI Labs", "organization")

	got := s.FindByName("  openai ")
	if len(got) != 1 || got[0].ID != n.ID {
		t.Errorf("FindByName = %+v", got)
	}
	if got := s.FindByName(""); got != nil {
		t.Errorf("empty name matched %+v", got)
	}
}

func TestRetypeSkipsChangedNodes(t *testing.T) {
	s, _ := testStore(t)
	tracker := &countTracker{}
	s.SetTypeTracker(tracker)

	a := mustNode(t, s, "GPT", "concept")
	b := mustNode(t, s, "BERT", "concept")
	if _, err := s.Delete(b.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := s.Retype([]string{a.ID, b.ID}, "concept", "model")
	if err != nil {
		t.Fatalf("Retype: %v", err)
	}
	if len(got) != 1 || got[0].Type != "model" {
		t.Errorf("Retype = %+v", got)
	}
	if tracker.counts["concept"] != 0 || tracker.counts["model"] != 1 {
		t.Errorf("counts = %v", tracker.counts)
	}
}

func TestApplyStrengthensExistingEdge(t *testing.T) {
	s, _ := testStore(t)
	a := mustNode(t, s, "a", "thing")
	b := mustNode(t, s, "b", "thing")
	e := mustEdge(t, s, a.ID, b.ID, "co_occurs", 0.5)

	res, err := s.Apply(Batch{Edges: []Edge{{SourceID: a.ID, TargetID: b.ID, Relation: "co_occurs", Weight: 0.3}}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Edges) != 1 || res.Edges[0].Created || res.Edges[0].Edge.ID != e.ID {
		t.Fatalf("expected strengthened edge, got %+v", res.Edges)
	}
	if w := res.Edges[0].Edge.Weight; w < 0.599 || w > 0.601 {
		t.Errorf("weight = %v, want 0.6", w)
	}
	if n := len(s.Edges()); n != 1 {
		t.Errorf("edge count = %d, want 1", n)
	}
}

func TestApplyUnknownEndpointCommitsNothing(t *testing.T) {
	s, _ := testStore(t)
	res, err := s.Apply(Batch{
		Nodes: []Node{{ID: "note-1", Name: "note", Type: NoteType}},
		Edges: []Edge{{SourceID: "note-1", TargetID: "ghost", Relation: "mentions", Weight: 0.5}},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(res.Nodes) != 0 {
		t.Errorf("partial result returned: %+v", res)
	}
	if n, _ := s.Counts(); n != 0 {
		t.Errorf("node count = %d, want 0 after failed batch", n)
	}
}

func TestClearResetsTypeCounts(t *testing.T) {
	s, _ := testStore(t)
	tracker := &countTracker{}
	s.SetTypeTracker(tracker)
	mustNode(t, s, "a", "person")
	mustNode(t, s, "b", "place")

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, e := s.Counts(); n != 0 || e != 0 {
		t.Errorf("counts after clear = %d, %d", n, e)
	}
	for typ, c := range tracker.counts {
		if c != 0 {
			t.Errorf("%s count = %d after clear", typ, c)
		}
	}
}

func TestConcurrentReadsDuringMerge(t *testing.T) {
	s, _ := testStore(t)
	keep := mustNode(t, s, "keep", "thing")
	var ids []string
	for i := 0; i < 20; i++ {
		n := mustNode(t, s, fmt.Sprintf("dup-%d", i), "thing")
		other := mustNode(t, s, fmt.Sprintf("other-%d", i), "thing")
		mustEdge(t, s, n.ID, other.ID, "rel", 0.5)
		ids = append(ids, n.ID)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, e := range s.Edges() {
				_, errS := s.GetNode(e.SourceID)
				_, errT := s.GetNode(e.TargetID)
				if errS != nil && errT != nil {
					t.Errorf("edge %s references two missing nodes", e.ID)
					return
				}
			}
		}
	}()

	if _, err := s.Merge(keep.ID, ids); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	close(stop)
	wg.Wait()

	for _, e := range s.Edges() {
		if e.SourceID != keep.ID {
			t.Errorf("edge %s source = %s, want keeper", e.ID, e.SourceID)
		}
	}
}
