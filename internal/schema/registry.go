// Package schema tracks entity types and governs how new ones emerge.
//
// Counts follow the graph synchronously: the graph store reports every
// change in the number of nodes per type through Observe while holding its
// own write lock, so the registry must never call back into the store with
// its lock held. The lock order is always store, then registry.
//
// New types appear in two ways. A type seen for the first time on a node is
// registered on the spot (is_seed=false). An evolved type goes through a
// proposal that a human approves or rejects; nothing is ever applied
// automatically.
package schema

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/cortex/internal/graph"
)

// SeedTypes is the fixed bootstrap vocabulary.
var SeedTypes = []string{"note", "person", "place", "thing", "concept", "project"}

// Type is one entity category.
type Type struct {
	Name        string    `json:"name"`
	Count       int       `json:"count"`
	IsSeed      bool      `json:"is_seed"`
	EvolvedFrom string    `json:"evolved_from,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Status is the state of a proposal.
type Status string

const (
	StatusProposed Status = "PROPOSED"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Proposal suggests splitting a cluster of nodes off an existing type.
type Proposal struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	EvolvedFrom string     `json:"evolved_from"`
	NodeIDs     []string   `json:"node_ids"`
	Cohesion    float64    `json:"cohesion"`
	Separation  float64    `json:"separation"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// Persister stores types and proposals.
type Persister interface {
	SaveType(t Type) error
	SaveProposal(p Proposal) error
}

// Retyper moves nodes from one type to another in a single atomic step.
// graph.Store implements it.
type Retyper interface {
	Retype(ids []string, from, to string) ([]graph.Node, error)
}

// Registry holds every known type and proposal.
type Registry struct {
	mu        sync.RWMutex
	types     map[string]*Type
	proposals map[string]*Proposal
	deciding  map[string]bool
	persist   Persister
	now       func() time.Time
}

// NewRegistry creates a registry holding the seed types.
func NewRegistry() *Registry {
	r := &Registry{
		types:     make(map[string]*Type),
		proposals: make(map[string]*Proposal),
		deciding:  make(map[string]bool),
		now:       time.Now,
	}
	r.seed()
	return r
}

func (r *Registry) seed() {
	now := r.now()
	for _, name := range SeedTypes {
		if _, ok := r.types[name]; !ok {
			r.types[name] = &Type{Name: name, IsSeed: true, CreatedAt: now}
		}
	}
}

// SetPersister configures durable storage.
func (r *Registry) SetPersister(p Persister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persist = p
}

// Load restores types and proposals. Counts are not restored; they are
// rebuilt when the graph is loaded and reports its nodes through Observe.
func (r *Registry) Load(types []Type, proposals []Proposal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		t.Count = 0
		if existing, ok := r.types[t.Name]; ok {
			t.Count = existing.Count
		}
		tc := t
		r.types[t.Name] = &tc
	}
	for _, p := range proposals {
		pc := p
		pc.NodeIDs = append([]string(nil), p.NodeIDs...)
		r.proposals[p.ID] = &pc
	}
}

// Reset drops every non-seed type and all proposals.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range r.types {
		if !t.IsSeed {
			delete(r.types, name)
			continue
		}
		t.Count = 0
	}
	r.proposals = make(map[string]*Proposal)
	r.deciding = make(map[string]bool)
}

// NormalizeType canonicalises a type name: lowercase, underscores for
// whitespace.
func NormalizeType(name string) string {
	return graph.NormalizeRelation(name)
}

// Observe adjusts the live count of a type, registering it if unseen.
func (r *Registry) Observe(entityType string, delta int) {
	if entityType == "" || delta == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.types[entityType]
	if !ok {
		t = &Type{Name: entityType, CreatedAt: r.now()}
		r.types[entityType] = t
		r.save(*t)
	}
	t.Count += delta
	if t.Count < 0 {
		log.Printf("schema: count for %q went negative, resetting", entityType)
		t.Count = 0
	}
}

// Has reports whether a type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Get returns a copy of a type.
func (r *Registry) Get(name string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return Type{}, false
	}
	return *t, true
}

// Types returns all types, seeds first, then by name.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsSeed != out[j].IsSeed {
			return out[i].IsSeed
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Register adds a type explicitly. It reports false when the type already
// existed, in which case nothing changes.
func (r *Registry) Register(name, evolvedFrom, description string) (Type, bool, error) {
	name = NormalizeType(name)
	if name == "" {
		return Type{}, false, fmt.Errorf("register type: empty name: %w", graph.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.types[name]; ok {
		return *t, false, nil
	}
	t := &Type{Name: name, EvolvedFrom: evolvedFrom, Description: description, CreatedAt: r.now()}
	r.types[name] = t
	r.save(*t)
	return *t, true, nil
}

// Propose records a new PROPOSED evolution.
func (r *Registry) Propose(p Proposal) (Proposal, error) {
	p.Name = NormalizeType(p.Name)
	if p.Name == "" {
		return Proposal{}, fmt.Errorf("propose: empty name: %w", graph.ErrValidation)
	}
	if len(p.NodeIDs) == 0 {
		return Proposal{}, fmt.Errorf("propose %s: no nodes: %w", p.Name, graph.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[p.EvolvedFrom]; !ok {
		return Proposal{}, fmt.Errorf("propose %s: origin type %q: %w", p.Name, p.EvolvedFrom, graph.ErrNotFound)
	}
	if _, ok := r.types[p.Name]; ok {
		return Proposal{}, fmt.Errorf("propose %s: type already exists: %w", p.Name, graph.ErrValidation)
	}
	for _, existing := range r.proposals {
		if existing.Status == StatusProposed && existing.Name == p.Name && existing.EvolvedFrom == p.EvolvedFrom {
			return Proposal{}, fmt.Errorf("propose %s: already pending as %s: %w", p.Name, existing.ID, graph.ErrValidation)
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.NodeIDs = append([]string(nil), p.NodeIDs...)
	p.Status = StatusProposed
	p.CreatedAt = r.now()
	p.DecidedAt = nil
	if r.persist != nil {
		if err := r.persist.SaveProposal(p); err != nil {
			return Proposal{}, fmt.Errorf("save proposal: %w", err)
		}
	}
	pc := p
	r.proposals[p.ID] = &pc
	return p, nil
}

// Proposal returns a proposal by id.
func (r *Registry) Proposal(id string) (Proposal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proposals[id]
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s: %w", id, graph.ErrNotFound)
	}
	return copyProposal(p), nil
}

// Proposals lists proposals with the given status, or all when status is
// empty, newest first.
func (r *Registry) Proposals(status Status) []Proposal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Proposal
	for _, p := range r.proposals {
		if status == "" || p.Status == status {
			out = append(out, copyProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Approve applies a PROPOSED evolution: the new type is registered with
// evolved_from set and the proposal's nodes still carrying the origin type
// move to it in one graph commit.
func (r *Registry) Approve(id string, retyper Retyper) (Proposal, []graph.Node, error) {
	p, created, err := r.begin(id)
	if err != nil {
		return Proposal{}, nil, err
	}

	nodes, err := retyper.Retype(p.NodeIDs, p.EvolvedFrom, p.Name)
	if err != nil {
		r.abort(id, p.Name, created)
		return Proposal{}, nil, fmt.Errorf("approve %s: %w", id, err)
	}

	decided, err := r.finish(id, StatusApproved)
	if err != nil {
		return Proposal{}, nodes, err
	}
	return decided, nodes, nil
}

// Reject discards a PROPOSED evolution without touching the graph.
func (r *Registry) Reject(id string) (Proposal, error) {
	r.mu.Lock()
	p, ok := r.proposals[id]
	switch {
	case !ok:
		r.mu.Unlock()
		return Proposal{}, fmt.Errorf("reject proposal %s: %w", id, graph.ErrNotFound)
	case p.Status != StatusProposed || r.deciding[id]:
		r.mu.Unlock()
		return Proposal{}, fmt.Errorf("reject proposal %s: status %s: %w", id, p.Status, graph.ErrValidation)
	}
	r.deciding[id] = true
	r.mu.Unlock()
	return r.finish(id, StatusRejected)
}

// begin validates the transition and registers the target type. It marks
// the proposal as being decided so a concurrent decision fails.
func (r *Registry) begin(id string) (Proposal, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proposals[id]
	if !ok {
		return Proposal{}, false, fmt.Errorf("approve proposal %s: %w", id, graph.ErrNotFound)
	}
	if p.Status != StatusProposed || r.deciding[id] {
		return Proposal{}, false, fmt.Errorf("approve proposal %s: status %s: %w", id, p.Status, graph.ErrValidation)
	}
	r.deciding[id] = true

	created := false
	if _, exists := r.types[p.Name]; !exists {
		t := &Type{Name: p.Name, EvolvedFrom: p.EvolvedFrom, Description: p.Description, CreatedAt: r.now()}
		r.types[p.Name] = t
		r.save(*t)
		created = true
	}
	return copyProposal(p), created, nil
}

func (r *Registry) abort(id, typeName string, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deciding, id)
	if t, ok := r.types[typeName]; created && ok && t.Count == 0 {
		delete(r.types, typeName)
	}
}

func (r *Registry) finish(id string, status Status) (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deciding, id)

	p := r.proposals[id]
	now := r.now()
	updated := copyProposal(p)
	updated.Status = status
	updated.DecidedAt = &now
	if r.persist != nil {
		if err := r.persist.SaveProposal(updated); err != nil {
			log.Printf("schema: save proposal %s: %v", id, err)
		}
	}
	*p = updated
	return copyProposal(p), nil
}

// save persists a type. Called with r.mu held.
func (r *Registry) save(t Type) {
	if r.persist == nil {
		return
	}
	if err := r.persist.SaveType(t); err != nil {
		log.Printf("schema: save type %s: %v", t.Name, err)
	}
}

func copyProposal(p *Proposal) Proposal {
	c := *p
	c.NodeIDs = append([]string(nil), p.NodeIDs...)
	if p.DecidedAt != nil {
		t := *p.DecidedAt
		c.DecidedAt = &t
	}
	return c
}

// Describe renders a short label for logs and adaptation events.
func (p Proposal) Describe() string {
	return fmt.Sprintf("%s (from %s, %d nodes)", p.Name, p.EvolvedFrom, len(p.NodeIDs))
}

// CanonicalLabel maps an extractor label onto the type vocabulary.
func CanonicalLabel(label string) string {
	l := NormalizeType(label)
	switch l {
	case "location", "city", "country":
		return "place"
	case "technology", "topic", "idea":
		return "concept"
	case "date", "event", "object":
		return "thing"
	case "org", "company", "organisation":
		return "organization"
	case "people", "per":
		return "person"
	}
	return strings.TrimSpace(l)
}
