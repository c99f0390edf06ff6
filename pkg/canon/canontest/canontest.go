// Package canontest is an in-memory implementation of canon.Repositories
// for unit and property tests. It is not a production repository
// adapter — spec.md places repository adapters out of scope for core —
// but the kernel components need something to run against, backed by a
// map+mutex in-memory structure instead of a real database.
package canontest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tbutler1132/omnilith/pkg/canon"
	"github.com/tbutler1132/omnilith/pkg/kernelerr"
)

// Store is an in-memory canon.Repositories. All entity maps are
// guarded by a single mutex; Transaction takes a snapshot of every map
// before running fn and restores it if fn returns an error, giving the
// same all-or-nothing guarantee a real transactional backend would.
type Store struct {
	mu sync.Mutex

	// txMu serializes Transaction end-to-end: held from before the
	// snapshot is taken until fn returns (or the restore on error
	// completes). mu alone cannot do this, since fn runs back through
	// the Store's own repo methods (tx is s itself) and mu is not
	// reentrant — two mutexes split "guard the maps" from "serialize a
	// transaction's whole lifetime" so concurrent Transaction calls
	// (e.g. from loop.ConcurrentProcessor) can't interleave a partial
	// commit with someone else's snapshot/restore.
	txMu sync.Mutex

	nodes       map[string]canon.Node
	edges       map[string]canon.Edge
	delegations map[string]canon.AgentDelegation
	observations map[string]canon.Observation
	artifacts   map[string]canon.Artifact
	revisions   map[string][]canon.Revision
	variables   map[string]canon.Variable
	episodes    map[string]canon.Episode
	surfaces    map[string]canon.Surface
	entities    map[string]canon.Entity
	policies    map[string]canon.Policy
	actionRuns  map[string]canon.ActionRun
	grants      map[string]canon.Grant
	audit       []canon.AuditEntry

	seq int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		nodes:        make(map[string]canon.Node),
		edges:        make(map[string]canon.Edge),
		delegations:  make(map[string]canon.AgentDelegation),
		observations: make(map[string]canon.Observation),
		artifacts:    make(map[string]canon.Artifact),
		revisions:    make(map[string][]canon.Revision),
		variables:    make(map[string]canon.Variable),
		episodes:     make(map[string]canon.Episode),
		surfaces:     make(map[string]canon.Surface),
		entities:     make(map[string]canon.Entity),
		policies:     make(map[string]canon.Policy),
		actionRuns:   make(map[string]canon.ActionRun),
		grants:       make(map[string]canon.Grant),
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// snapshot captures the current contents of every map so Transaction
// can roll back on error.
type snapshot struct {
	nodes       map[string]canon.Node
	edges       map[string]canon.Edge
	delegations map[string]canon.AgentDelegation
	observations map[string]canon.Observation
	artifacts   map[string]canon.Artifact
	revisions   map[string][]canon.Revision
	variables   map[string]canon.Variable
	episodes    map[string]canon.Episode
	surfaces    map[string]canon.Surface
	entities    map[string]canon.Entity
	policies    map[string]canon.Policy
	actionRuns  map[string]canon.ActionRun
	grants      map[string]canon.Grant
	audit       []canon.AuditEntry
	seq         int
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) snapshotLocked() snapshot {
	revCopy := make(map[string][]canon.Revision, len(s.revisions))
	for k, v := range s.revisions {
		revCopy[k] = append([]canon.Revision(nil), v...)
	}
	return snapshot{
		nodes:        cloneMap(s.nodes),
		edges:        cloneMap(s.edges),
		delegations:  cloneMap(s.delegations),
		observations: cloneMap(s.observations),
		artifacts:    cloneMap(s.artifacts),
		revisions:    revCopy,
		variables:    cloneMap(s.variables),
		episodes:     cloneMap(s.episodes),
		surfaces:     cloneMap(s.surfaces),
		entities:     cloneMap(s.entities),
		policies:     cloneMap(s.policies),
		actionRuns:   cloneMap(s.actionRuns),
		grants:       cloneMap(s.grants),
		audit:        append([]canon.AuditEntry(nil), s.audit...),
		seq:          s.seq,
	}
}

func (s *Store) restoreLocked(snap snapshot) {
	s.nodes = snap.nodes
	s.edges = snap.edges
	s.delegations = snap.delegations
	s.observations = snap.observations
	s.artifacts = snap.artifacts
	s.revisions = snap.revisions
	s.variables = snap.variables
	s.episodes = snap.episodes
	s.surfaces = snap.surfaces
	s.entities = snap.entities
	s.policies = snap.policies
	s.actionRuns = snap.actionRuns
	s.grants = snap.grants
	s.audit = snap.audit
	s.seq = snap.seq
}

// Transaction implements canon.Repositories. It holds txMu for the
// entire snapshot/fn/restore sequence, so two Transaction calls never
// interleave — concurrent callers (loop.ConcurrentProcessor runs one
// per node) queue up rather than risk one transaction's restore
// clobbering writes the other already committed. Nested calls aren't a
// supported usage; this fake does not detect nesting (txMu would simply
// deadlock, which surfaces the bug loudly enough in tests).
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx canon.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := fn(ctx, s); err != nil {
		s.mu.Lock()
		s.restoreLocked(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Nodes() canon.NodeRepository             { return nodeRepo{s} }
func (s *Store) Edges() canon.EdgeRepository             { return edgeRepo{s} }
func (s *Store) Delegations() canon.DelegationRepository { return delegationRepo{s} }
func (s *Store) Observations() canon.ObservationRepository { return observationRepo{s} }
func (s *Store) Artifacts() canon.ArtifactRepository     { return artifactRepo{s} }
func (s *Store) Variables() canon.VariableRepository     { return variableRepo{s} }
func (s *Store) Episodes() canon.EpisodeRepository       { return episodeRepo{s} }
func (s *Store) Surfaces() canon.SurfaceRepository       { return surfaceRepo{s} }
func (s *Store) Entities() canon.EntityRepository        { return entityRepo{s} }
func (s *Store) Policies() canon.PolicyRepository        { return policyRepo{s} }
func (s *Store) ActionRuns() canon.ActionRunRepository   { return actionRunRepo{s} }
func (s *Store) Grants() canon.GrantRepository           { return grantRepo{s} }
func (s *Store) Audit() canon.AuditRepository            { return auditRepo{s} }

// --- nodes ---

type nodeRepo struct{ s *Store }

func (r nodeRepo) Create(ctx context.Context, n canon.Node) (canon.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if n.ID == "" {
		n.ID = r.s.nextID("node")
	}
	r.s.nodes[n.ID] = n
	return n, nil
}

func (r nodeRepo) Get(ctx context.Context, id string) (*canon.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.nodes[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (r nodeRepo) List(ctx context.Context) ([]canon.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]canon.Node, 0, len(r.s.nodes))
	for _, n := range r.s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r nodeRepo) Update(ctx context.Context, n canon.Node) (canon.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.nodes[n.ID]; !ok {
		return canon.Node{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Node.Update", n.ID, nil)
	}
	r.s.nodes[n.ID] = n
	return n, nil
}

func (r nodeRepo) AddEdge(ctx context.Context, e canon.Edge) (canon.Edge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == "" {
		e.ID = r.s.nextID("edge")
	}
	r.s.edges[e.ID] = e
	return e, nil
}

func (r nodeRepo) RemoveEdge(ctx context.Context, edgeID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.edges, edgeID)
	return nil
}

func (r nodeRepo) SetAgentDelegation(ctx context.Context, d canon.AgentDelegation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.delegations[d.AgentNodeID] = d
	return nil
}

// --- edges ---

type edgeRepo struct{ s *Store }

func (r edgeRepo) List(ctx context.Context, nodeID string) ([]canon.Edge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []canon.Edge
	for _, e := range r.s.edges {
		if e.FromNodeID == nodeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- delegations ---

type delegationRepo struct{ s *Store }

func (r delegationRepo) Get(ctx context.Context, agentNodeID string) (*canon.AgentDelegation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.delegations[agentNodeID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// --- observations ---

type observationRepo struct{ s *Store }

func (r observationRepo) Append(ctx context.Context, o canon.Observation) (canon.Observation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if o.ID == "" {
		o.ID = r.s.nextID("obs")
	}
	r.s.observations[o.ID] = o
	return o, nil
}

func (r observationRepo) Get(ctx context.Context, id string) (*canon.Observation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.observations[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (r observationRepo) List(ctx context.Context, filter canon.ObservationFilter) ([]canon.Observation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []canon.Observation
	for _, o := range r.s.observations {
		if filter.NodeID != "" && o.NodeID != filter.NodeID {
			continue
		}
		if filter.Type != "" && o.Type != filter.Type {
			continue
		}
		if filter.TypePrefix != "" && !strings.HasPrefix(o.Type, filter.TypePrefix) {
			continue
		}
		if len(filter.Tags) > 0 && !hasAllTags(o.Tags, filter.Tags) {
			continue
		}
		if filter.Since != nil && o.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.TimeRange != nil {
			if o.Timestamp.Before(filter.TimeRange.From) || !o.Timestamp.Before(filter.TimeRange.To) {
				continue
			}
		}
		if filter.WindowHours > 0 {
			cutoff := time.Now().Add(-time.Duration(filter.WindowHours) * time.Hour)
			if o.Timestamp.Before(cutoff) {
				continue
			}
		}
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

func (r observationRepo) MergeTags(ctx context.Context, id string, tags []string) (canon.Observation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.observations[id]
	if !ok {
		return canon.Observation{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Observation.MergeTags", id, nil)
	}
	seen := make(map[string]bool, len(o.Tags))
	merged := append([]string(nil), o.Tags...)
	for _, t := range o.Tags {
		seen[t] = true
	}
	for _, t := range tags {
		if !seen[t] {
			merged = append(merged, t)
			seen[t] = true
		}
	}
	o.Tags = merged
	r.s.observations[id] = o
	return o, nil
}

// --- artifacts ---

type artifactRepo struct{ s *Store }

func (r artifactRepo) Create(ctx context.Context, a canon.Artifact) (canon.Artifact, canon.Revision, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a.ID == "" {
		a.ID = r.s.nextID("artifact")
	}
	a.TrunkVersion = 1
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	r.s.artifacts[a.ID] = a

	rev := canon.Revision{
		ID:           r.s.nextID("revision"),
		ArtifactID:   a.ID,
		Version:      1,
		Snapshot:     a,
		AuthorNodeID: a.NodeID,
		CreatedAt:    now,
	}
	r.s.revisions[a.ID] = append(r.s.revisions[a.ID], rev)
	return a, rev, nil
}

func (r artifactRepo) Get(ctx context.Context, id string) (*canon.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.artifacts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r artifactRepo) List(ctx context.Context, nodeID string) ([]canon.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []canon.Artifact
	for _, a := range r.s.artifacts {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r artifactRepo) Update(ctx context.Context, a canon.Artifact, authorNodeID, message string) (canon.Artifact, canon.Revision, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.artifacts[a.ID]
	if !ok {
		return canon.Artifact{}, canon.Revision{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Artifact.Update", a.ID, nil)
	}
	a.TrunkVersion = existing.TrunkVersion + 1
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	r.s.artifacts[a.ID] = a

	rev := canon.Revision{
		ID:           r.s.nextID("revision"),
		ArtifactID:   a.ID,
		Version:      a.TrunkVersion,
		Snapshot:     a,
		AuthorNodeID: authorNodeID,
		Message:      message,
		CreatedAt:    a.UpdatedAt,
	}
	r.s.revisions[a.ID] = append(r.s.revisions[a.ID], rev)
	return a, rev, nil
}

func (r artifactRepo) UpdateStatus(ctx context.Context, id string, status canon.ArtifactStatus) (canon.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.artifacts[id]
	if !ok {
		return canon.Artifact{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Artifact.UpdateStatus", id, nil)
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	r.s.artifacts[id] = a
	return a, nil
}

func (r artifactRepo) Revisions(ctx context.Context, artifactID string) ([]canon.Revision, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]canon.Revision(nil), r.s.revisions[artifactID]...), nil
}

// --- variables ---

type variableRepo struct{ s *Store }

func (r variableRepo) Create(ctx context.Context, v canon.Variable) (canon.Variable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if v.ID == "" {
		v.ID = r.s.nextID("variable")
	}
	r.s.variables[v.ID] = v
	return v, nil
}

func (r variableRepo) Get(ctx context.Context, id string) (*canon.Variable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.variables[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (r variableRepo) List(ctx context.Context, nodeID string) ([]canon.Variable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []canon.Variable
	for _, v := range r.s.variables {
		if v.NodeID == nodeID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r variableRepo) Update(ctx context.Context, v canon.Variable) (canon.Variable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.variables[v.ID]; !ok {
		return canon.Variable{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Variable.Update", v.ID, nil)
	}
	r.s.variables[v.ID] = v
	return v, nil
}

// --- episodes ---

type episodeRepo struct{ s *Store }

func (r episodeRepo) Create(ctx context.Context, e canon.Episode) (canon.Episode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == "" {
		e.ID = r.s.nextID("episode")
	}
	r.s.episodes[e.ID] = e
	return e, nil
}

func (r episodeRepo) Get(ctx context.Context, id string) (*canon.Episode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.episodes[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r episodeRepo) ListActive(ctx context.Context, nodeID string) ([]canon.Episode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []canon.Episode
	for _, e := range r.s.episodes {
		if e.NodeID == nodeID && e.Status == canon.EpisodeActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r episodeRepo) Update(ctx context.Context, e canon.Episode) (canon.Episode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.episodes[e.ID]; !ok {
		return canon.Episode{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Episode.Update", e.ID, nil)
	}
	r.s.episodes[e.ID] = e
	return e, nil
}

func (r episodeRepo) UpdateStatus(ctx context.Context, id string, status canon.EpisodeStatus) (canon.Episode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.episodes[id]
	if !ok {
		return canon.Episode{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Episode.UpdateStatus", id, nil)
	}
	e.Status = status
	r.s.episodes[id] = e
	return e, nil
}

// --- surfaces ---

type surfaceRepo struct{ s *Store }

func (r surfaceRepo) Create(ctx context.Context, sf canon.Surface) (canon.Surface, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sf.ID == "" {
		sf.ID = r.s.nextID("surface")
	}
	now := time.Now().UTC()
	sf.CreatedAt, sf.UpdatedAt = now, now
	r.s.surfaces[sf.ID] = sf
	return sf, nil
}

func (r surfaceRepo) Get(ctx context.Context, id string) (*canon.Surface, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sf, ok := r.s.surfaces[id]
	if !ok {
		return nil, nil
	}
	return &sf, nil
}

func (r surfaceRepo) List(ctx context.Context, nodeID string) ([]canon.Surface, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []canon.Surface
	for _, sf := range r.s.surfaces {
		if sf.NodeID == nodeID {
			out = append(out, sf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r surfaceRepo) Update(ctx context.Context, sf canon.Surface) (canon.Surface, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.surfaces[sf.ID]
	if !ok {
		return canon.Surface{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Surface.Update", sf.ID, nil)
	}
	sf.CreatedAt = existing.CreatedAt
	sf.UpdatedAt = time.Now().UTC()
	r.s.surfaces[sf.ID] = sf
	return sf, nil
}

func (r surfaceRepo) UpdateStatus(ctx context.Context, id string, status canon.SurfaceStatus) (canon.Surface, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sf, ok := r.s.surfaces[id]
	if !ok {
		return canon.Surface{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Surface.UpdateStatus", id, nil)
	}
	sf.Status = status
	sf.UpdatedAt = time.Now().UTC()
	r.s.surfaces[id] = sf
	return sf, nil
}

// --- entities ---

type entityRepo struct{ s *Store }

func (r entityRepo) Create(ctx context.Context, e canon.Entity) (canon.Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == "" {
		e.ID = r.s.nextID("entity")
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	r.s.entities[e.ID] = e
	return e, nil
}

func (r entityRepo) Get(ctx context.Context, id string) (*canon.Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.entities[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r entityRepo) AppendEvent(ctx context.Context, entityID string, event canon.EntityEvent) (canon.Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.entities[entityID]
	if !ok {
		return canon.Entity{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Entity.AppendEvent", entityID, nil)
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	e.Events = append(e.Events, event)
	e.UpdatedAt = time.Now().UTC()
	r.s.entities[entityID] = e
	return e, nil
}

// --- policies ---

type policyRepo struct{ s *Store }

func (r policyRepo) Create(ctx context.Context, p canon.Policy) (canon.Policy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p.ID == "" {
		p.ID = r.s.nextID("policy")
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	r.s.policies[p.ID] = p
	return p, nil
}

func (r policyRepo) Get(ctx context.Context, id string) (*canon.Policy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.policies[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r policyRepo) ListMatching(ctx context.Context, observationType string) ([]canon.Policy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []canon.Policy
	for _, p := range r.s.policies {
		if !p.Enabled {
			continue
		}
		for _, t := range p.Triggers {
			if Matches(t, observationType) {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Matches implements the trigger match law (spec §8 property 7):
// t==x, or t=="*", or t ends in "*" and x starts with t's prefix.
func Matches(trigger, observationType string) bool {
	if trigger == observationType || trigger == "*" {
		return true
	}
	if strings.HasSuffix(trigger, "*") {
		prefix := strings.TrimSuffix(trigger, "*")
		return strings.HasPrefix(observationType, prefix)
	}
	return false
}

func (r policyRepo) Update(ctx context.Context, p canon.Policy) (canon.Policy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.policies[p.ID]
	if !ok {
		return canon.Policy{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Policy.Update", p.ID, nil)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	r.s.policies[p.ID] = p
	return p, nil
}

func (r policyRepo) UpdateStatus(ctx context.Context, id string, enabled bool) (canon.Policy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.policies[id]
	if !ok {
		return canon.Policy{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Policy.UpdateStatus", id, nil)
	}
	p.Enabled = enabled
	p.UpdatedAt = time.Now().UTC()
	r.s.policies[id] = p
	return p, nil
}

// --- action runs ---

type actionRunRepo struct{ s *Store }

func (r actionRunRepo) Create(ctx context.Context, run canon.ActionRun) (canon.ActionRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if run.ID == "" {
		run.ID = r.s.nextID("actionrun")
	}
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	r.s.actionRuns[run.ID] = run
	return run, nil
}

func (r actionRunRepo) Get(ctx context.Context, id string) (*canon.ActionRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.actionRuns[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (r actionRunRepo) Update(ctx context.Context, run canon.ActionRun) (canon.ActionRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.actionRuns[run.ID]
	if !ok {
		return canon.ActionRun{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.ActionRun.Update", run.ID, nil)
	}
	run.CreatedAt = existing.CreatedAt
	run.UpdatedAt = time.Now().UTC()
	r.s.actionRuns[run.ID] = run
	return run, nil
}

// --- grants ---

type grantRepo struct{ s *Store }

func (r grantRepo) Create(ctx context.Context, g canon.Grant) (canon.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if g.ID == "" {
		g.ID = r.s.nextID("grant")
	}
	r.s.grants[g.ID] = g
	return g, nil
}

func (r grantRepo) Revoke(ctx context.Context, id string, rev canon.GrantRevocation) (canon.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[id]
	if !ok {
		return canon.Grant{}, kernelerr.Wrap(kernelerr.ErrNotFound, "canontest.Grant.Revoke", id, nil)
	}
	g.Revocation = &rev
	r.s.grants[id] = g
	return g, nil
}

func (r grantRepo) ListActive(ctx context.Context, granteeNodeID string, resourceType canon.ResourceType, resourceID string) ([]canon.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	var out []canon.Grant
	for _, g := range r.s.grants {
		if g.GranteeNodeID != granteeNodeID {
			continue
		}
		if !g.Active(now) {
			continue
		}
		if resourceType != "" && !g.Matches(resourceType, resourceID) {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- audit ---

type auditRepo struct{ s *Store }

func (r auditRepo) Append(ctx context.Context, e canon.AuditEntry) (canon.AuditEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == "" {
		e.ID = r.s.nextID("audit")
	}
	r.s.audit = append(r.s.audit, e)
	return e, nil
}

func (r auditRepo) Query(ctx context.Context, f canon.AuditFilter) ([]canon.AuditEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []canon.AuditEntry
	for _, e := range r.s.audit {
		if f.NodeID != "" && e.NodeID != f.NodeID {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		if f.OperationType != "" && e.OperationType != f.OperationType {
			continue
		}
		if f.BatchID != "" && e.BatchID != f.BatchID {
			continue
		}
		if f.ObservationID != "" && e.CausedBy.ObservationID != f.ObservationID {
			continue
		}
		if f.PolicyID != "" && e.CausedBy.PolicyID != f.PolicyID {
			continue
		}
		if f.ActionRunID != "" && e.CausedBy.ActionRunID != f.ActionRunID {
			continue
		}
		if f.Success != nil && e.Success != *f.Success {
			continue
		}
		if f.TimeRange != nil {
			if e.Timestamp.Before(f.TimeRange.From) || !e.Timestamp.Before(f.TimeRange.To) {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
