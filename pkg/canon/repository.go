package canon

import "context"

// Repositories groups the per-entity capability surface the kernel
// requires from storage (spec §4.1). The core never assumes a
// particular backing store — adapters (relational, in-memory, or
// otherwise) are explicitly out of scope for this repository; only the
// interfaces and an in-memory test double (canontest) live here.
type Repositories interface {
	Nodes() NodeRepository
	Edges() EdgeRepository
	Delegations() DelegationRepository
	Observations() ObservationRepository
	Artifacts() ArtifactRepository
	Variables() VariableRepository
	Episodes() EpisodeRepository
	Surfaces() SurfaceRepository
	Entities() EntityRepository
	Policies() PolicyRepository
	ActionRuns() ActionRunRepository
	Grants() GrantRepository
	Audit() AuditRepository

	// Transaction runs fn with a repository view whose writes are
	// atomic: all succeed or all roll back. Nested transactions are
	// prohibited (spec §5 "Transaction discipline") — callers must not
	// call Transaction again from within fn.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error
}

// NodeRepository manages Node entities.
type NodeRepository interface {
	Create(ctx context.Context, n Node) (Node, error)
	Get(ctx context.Context, id string) (*Node, error)
	List(ctx context.Context) ([]Node, error)
	Update(ctx context.Context, n Node) (Node, error)
	// AddEdge and RemoveEdge manage a node's outbound edges.
	AddEdge(ctx context.Context, e Edge) (Edge, error)
	RemoveEdge(ctx context.Context, edgeID string) error
	// SetAgentDelegation replaces the single active delegation for an
	// agent node.
	SetAgentDelegation(ctx context.Context, d AgentDelegation) error
}

// EdgeRepository queries Edge entities.
type EdgeRepository interface {
	List(ctx context.Context, nodeID string) ([]Edge, error)
}

// DelegationRepository looks up AgentDelegations.
type DelegationRepository interface {
	Get(ctx context.Context, agentNodeID string) (*AgentDelegation, error)
}

// ObservationRepository is append-only: no Update or Delete.
type ObservationRepository interface {
	Append(ctx context.Context, o Observation) (Observation, error)
	Get(ctx context.Context, id string) (*Observation, error)
	List(ctx context.Context, filter ObservationFilter) ([]Observation, error)
	// MergeTags is the single allowed post-creation mutation: it merges
	// tags into an observation's Tags field without touching any other
	// field (spec §4.6 tag_observation).
	MergeTags(ctx context.Context, id string, tags []string) (Observation, error)
}

// ArtifactRepository manages Artifact entities and their Revisions.
// Update produces a new Revision atomically within the same write
// (spec §4.1).
type ArtifactRepository interface {
	Create(ctx context.Context, a Artifact) (Artifact, Revision, error)
	Get(ctx context.Context, id string) (*Artifact, error)
	List(ctx context.Context, nodeID string) ([]Artifact, error)
	Update(ctx context.Context, a Artifact, authorNodeID, message string) (Artifact, Revision, error)
	UpdateStatus(ctx context.Context, id string, status ArtifactStatus) (Artifact, error)
	Revisions(ctx context.Context, artifactID string) ([]Revision, error)
}

// VariableRepository manages Variable entities. Delete is not
// supported (spec §4.8).
type VariableRepository interface {
	Create(ctx context.Context, v Variable) (Variable, error)
	Get(ctx context.Context, id string) (*Variable, error)
	List(ctx context.Context, nodeID string) ([]Variable, error)
	Update(ctx context.Context, v Variable) (Variable, error)
}

// EpisodeRepository manages Episode entities.
type EpisodeRepository interface {
	Create(ctx context.Context, e Episode) (Episode, error)
	Get(ctx context.Context, id string) (*Episode, error)
	ListActive(ctx context.Context, nodeID string) ([]Episode, error)
	Update(ctx context.Context, e Episode) (Episode, error)
	UpdateStatus(ctx context.Context, id string, status EpisodeStatus) (Episode, error)
}

// SurfaceRepository manages Surface entities. Delete is a status flip
// to SurfaceArchived, the same soft-delete convention as Artifact and
// Policy (spec §4.8).
type SurfaceRepository interface {
	Create(ctx context.Context, s Surface) (Surface, error)
	Get(ctx context.Context, id string) (*Surface, error)
	List(ctx context.Context, nodeID string) ([]Surface, error)
	Update(ctx context.Context, s Surface) (Surface, error)
	UpdateStatus(ctx context.Context, id string, status SurfaceStatus) (Surface, error)
}

// EntityRepository manages Entity records and their appended events.
// Only create and appendEvent are supported operations (spec §4.1) —
// there is no Update, Delete, or List of an Entity's identity fields.
type EntityRepository interface {
	Create(ctx context.Context, e Entity) (Entity, error)
	Get(ctx context.Context, id string) (*Entity, error)
	AppendEvent(ctx context.Context, entityID string, event EntityEvent) (Entity, error)
}

// PolicyRepository manages Policy entities.
type PolicyRepository interface {
	Create(ctx context.Context, p Policy) (Policy, error)
	Get(ctx context.Context, id string) (*Policy, error)
	// ListMatching returns enabled policies whose triggers match
	// observationType, ordered ascending by priority then id.
	ListMatching(ctx context.Context, observationType string) ([]Policy, error)
	Update(ctx context.Context, p Policy) (Policy, error)
	UpdateStatus(ctx context.Context, id string, enabled bool) (Policy, error)
}

// ActionRunRepository manages ActionRun entities.
type ActionRunRepository interface {
	Create(ctx context.Context, r ActionRun) (ActionRun, error)
	Get(ctx context.Context, id string) (*ActionRun, error)
	Update(ctx context.Context, r ActionRun) (ActionRun, error)
}

// GrantRepository manages Grant entities, consulted by Prism for
// cross-node authorization.
type GrantRepository interface {
	Create(ctx context.Context, g Grant) (Grant, error)
	Revoke(ctx context.Context, id string, rev GrantRevocation) (Grant, error)
	// ListActive returns active grants where granteeNodeID is the
	// grantee, matching resourceType/resourceID (including wildcard).
	ListActive(ctx context.Context, granteeNodeID string, resourceType ResourceType, resourceID string) ([]Grant, error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	Append(ctx context.Context, e AuditEntry) (AuditEntry, error)
	Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// AuditFilter is the query shape accepted by AuditRepository.Query.
type AuditFilter struct {
	NodeID        string
	ResourceType  string
	ResourceID    string
	OperationType string
	BatchID       string
	ObservationID string
	PolicyID      string
	ActionRunID   string
	Success       *bool
	TimeRange     *TimeRange
}
