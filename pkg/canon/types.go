// Package canon defines the Omnilith entity model and the repository
// capability surface (spec §3, §4.1) the runtime kernel requires from
// storage. The core never assumes a particular backing store: this
// package is interfaces and plain data, with a wire-types-vs-behavior
// split.
package canon

import "time"

// NodeKind enumerates the three kinds of Node. Kind is immutable once a
// Node is created.
type NodeKind string

const (
	NodeKindSubject NodeKind = "subject"
	NodeKindAgent   NodeKind = "agent"
	NodeKindObject  NodeKind = "object"
)

// Node is the unit of ownership and authority.
type Node struct {
	ID          string
	Kind        NodeKind
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Edge is a directed, typed, unprivileged relation between two nodes.
// Edges carry no intrinsic permission; they are metadata consulted by
// policies (spec §9 "Grant / edge duality").
type Edge struct {
	ID         string
	FromNodeID string
	ToNodeID   string
	Type       string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// DelegationConstraints bounds an AgentDelegation.
type DelegationConstraints struct {
	ExpiresAt    *time.Time
	MaxRiskLevel RiskLevel
}

// AgentDelegation is the authority a subject grants an agent node. One
// active delegation exists per agent; an expired delegation is treated
// as absent everywhere authorization is checked.
type AgentDelegation struct {
	AgentNodeID   string
	SponsorNodeID string
	GrantedAt     time.Time
	Scopes        map[string]bool
	Constraints   DelegationConstraints
}

// Active reports whether the delegation has not expired as of at.
func (d AgentDelegation) Active(at time.Time) bool {
	if d.Constraints.ExpiresAt == nil {
		return true
	}
	return at.Before(*d.Constraints.ExpiresAt)
}

// HasScope reports whether scope is present in the delegation's scopes.
func (d AgentDelegation) HasScope(scope string) bool {
	return d.Scopes[scope]
}

// ObservationOrigin distinguishes a directly-ingested fact from one
// synthesized by an effect (e.g. route_observation).
type ObservationOrigin string

const (
	OriginOrganic   ObservationOrigin = "organic"
	OriginSynthetic ObservationOrigin = "synthetic"
)

// Provenance records where an observation came from.
type Provenance struct {
	SourceID string
	Origin   ObservationOrigin
	Method   string
}

// Observation is an immutable fact ingested for a node. Append-only:
// nothing in the public interface mutates its non-tag fields after
// creation (spec §8 property 4).
type Observation struct {
	ID         string
	NodeID     string
	Type       string
	Timestamp  time.Time
	Payload    map[string]any
	Provenance Provenance
	Tags       []string
}

// ObservationFilter is the query shape accepted by the observation
// repository's List, per spec §4.1.
type ObservationFilter struct {
	NodeID      string
	Type        string
	TypePrefix  string
	Tags        []string
	WindowHours int
	Since       *time.Time
	TimeRange   *TimeRange
	Limit       int
}

// TimeRange bounds a query to [From, To).
type TimeRange struct {
	From time.Time
	To   time.Time
}

// ArtifactStatus is the lifecycle state of an Artifact.
type ArtifactStatus string

const (
	ArtifactDraft     ArtifactStatus = "draft"
	ArtifactActive    ArtifactStatus = "active"
	ArtifactPublished ArtifactStatus = "published"
	ArtifactArchived  ArtifactStatus = "archived"
)

// Artifact is a versioned document owned by a node.
type Artifact struct {
	ID           string
	NodeID       string
	Title        string
	About        string
	Notes        string
	Page         map[string]any
	Status       ArtifactStatus
	TrunkVersion int
	EntityRefs   []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Revision is the immutable snapshot captured on every artifact write.
// For a given artifact, revisions form a gap-free ascending sequence
// 1..TrunkVersion (spec §8 property 3).
type Revision struct {
	ID         string
	ArtifactID string
	Version    int
	Snapshot   Artifact
	AuthorNodeID string
	Message    string
	CreatedAt  time.Time
}

// VariableKind classifies the measurement scale of a Variable.
type VariableKind string

const (
	VariableContinuous  VariableKind = "continuous"
	VariableOrdinal     VariableKind = "ordinal"
	VariableCategorical VariableKind = "categorical"
	VariableBoolean     VariableKind = "boolean"
)

// Range bounds a continuous or ordinal Variable.
type Range struct {
	Min *float64
	Max *float64
}

// ComputeSpec describes how a Variable's estimate is derived from
// observations, e.g. a moving average of a typed observation field.
type ComputeSpec struct {
	Method        string // e.g. "moving_average"
	ObservationType string
	Field         string
	WindowHours   int
}

// Variable is a named measurable property on a node.
type Variable struct {
	ID             string
	NodeID         string
	Name           string
	Kind           VariableKind
	Unit           string
	ViableRange    *Range
	PreferredRange *Range
	ComputeSpecs   []ComputeSpec
}

// SurfaceStatus is the lifecycle state of a Surface.
type SurfaceStatus string

const (
	SurfaceDraft     SurfaceStatus = "draft"
	SurfaceActive    SurfaceStatus = "active"
	SurfacePublished SurfaceStatus = "published"
	SurfaceArchived  SurfaceStatus = "archived"
)

// Surface is a presentation-facing view a node owns: the rendered shape
// something shows to the outside world (a dashboard, a profile page),
// as distinct from the Artifact content it may be assembled from. It
// carries the same create/update/updateStatus/delete lifecycle as
// Artifact and Policy (spec §4.1 resource list).
type Surface struct {
	ID        string
	NodeID    string
	Name      string
	Layout    map[string]any
	Status    SurfaceStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntityEvent is a single fact appended to an Entity's history. Unlike
// Observation, an EntityEvent is scoped to one Entity rather than one
// Node, and is never tagged or rerouted.
type EntityEvent struct {
	Type string
	Data map[string]any
	At   time.Time
}

// Entity is a append-mostly record of something the node tracks that
// isn't itself a Node: a person, a place, a contract. Entities support
// only creation and event append (spec §4.1 "create + appendEvent for
// entity") — there is no update or delete of an Entity's identity,
// only of the event log attached to it.
type Entity struct {
	ID        string
	NodeID    string
	Type      string
	Data      map[string]any
	Events    []EntityEvent
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EpisodeKind classifies the intent behind an Episode.
type EpisodeKind string

const (
	EpisodeRegulatory EpisodeKind = "regulatory"
	EpisodeExploratory EpisodeKind = "exploratory"
)

// EpisodeStatus is the lifecycle state of an Episode.
type EpisodeStatus string

const (
	EpisodePlanned   EpisodeStatus = "planned"
	EpisodeActive    EpisodeStatus = "active"
	EpisodeCompleted EpisodeStatus = "completed"
	EpisodeAbandoned EpisodeStatus = "abandoned"
)

// Episode is a time-bounded regulatory intent involving one or more
// variables.
type Episode struct {
	ID          string
	NodeID      string
	Kind        EpisodeKind
	Status      EpisodeStatus
	VariableIDs []string
	StartedAt   time.Time
	EndedAt     *time.Time
}

// Policy is a named rule, owned by one node, that emits effects in
// response to observations.
type Policy struct {
	ID             string
	NodeID         string
	Name           string
	Priority       int
	Enabled        bool
	Triggers       []string
	Implementation string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RiskLevel orders the severity of an ActionRun or delegation ceiling.
// Ordinal comparisons (≤, ≥) use riskRank below rather than string
// comparison.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// AtMost reports whether r is no more severe than other.
func (r RiskLevel) AtMost(other RiskLevel) bool {
	return riskRank[r] <= riskRank[other]
}

// ActionRunStatus is the lifecycle state of an ActionRun.
type ActionRunStatus string

const (
	ActionRunPending  ActionRunStatus = "pending"
	ActionRunApproved ActionRunStatus = "approved"
	ActionRunRejected ActionRunStatus = "rejected"
	ActionRunExecuted ActionRunStatus = "executed"
	ActionRunFailed   ActionRunStatus = "failed"
)

// ActionDescriptor names the action type and its parameters.
type ActionDescriptor struct {
	ActionType string
	Params     map[string]any
}

// ProposedBy records what caused an ActionRun to be proposed.
type ProposedBy struct {
	PolicyID      string
	ObservationID string
}

// ApprovalMethod distinguishes how an ActionRun was approved.
type ApprovalMethod string

const (
	ApprovalAuto   ApprovalMethod = "auto"
	ApprovalManual ApprovalMethod = "manual"
)

// Approval records how an ActionRun moved to approved.
type Approval struct {
	ApprovedBy string
	Method     ApprovalMethod
	At         time.Time
}

// Rejection records why an ActionRun was refused.
type Rejection struct {
	RejectedBy string
	Reason     string
	At         time.Time
}

// Execution records the outcome of running an approved ActionRun.
type Execution struct {
	StartedAt   time.Time
	CompletedAt *time.Time
	Result      any
	Error       string
}

// ActionRun is an auditable proposal+execution record.
type ActionRun struct {
	ID         string
	NodeID     string
	ProposedBy ProposedBy
	Action     ActionDescriptor
	RiskLevel  RiskLevel
	Status     ActionRunStatus
	Approval   *Approval
	Rejection  *Rejection
	Execution  *Execution
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ResourceType enumerates the resource kinds a Grant may target.
type ResourceType string

const (
	ResourceNode      ResourceType = "node"
	ResourceArtifact  ResourceType = "artifact"
	ResourceSurface   ResourceType = "surface"
	ResourceEntity    ResourceType = "entity"
	ResourceVariable  ResourceType = "variable"
	ResourceEpisode     ResourceType = "episode"
	ResourceActionRun   ResourceType = "action_run"
	ResourceObservation ResourceType = "observation"
)

// Scope is a canonical Grant capability.
type Scope string

const (
	ScopeRead    Scope = "read"
	ScopeWrite   Scope = "write"
	ScopeAdmin   Scope = "admin"
	ScopeObserve Scope = "observe"
	ScopePropose Scope = "propose"
	ScopeApprove Scope = "approve"
)

// GrantRevocation records why and when a Grant was revoked.
type GrantRevocation struct {
	RevokedAt time.Time
	RevokedBy string
	Reason    string
}

// Grant is an explicit authorization. ResourceID may be "*" as a
// wildcard across all resources of ResourceType.
type Grant struct {
	ID             string
	GranteeNodeID  string
	ResourceType   ResourceType
	ResourceID     string
	Scopes         map[Scope]bool
	GrantorNodeID  string
	GrantedAt      time.Time
	ExpiresAt      *time.Time
	Revocation     *GrantRevocation
}

// Active reports whether the grant is usable as of at: not revoked,
// not expired.
func (g Grant) Active(at time.Time) bool {
	if g.Revocation != nil {
		return false
	}
	if g.ExpiresAt != nil && !at.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// Matches reports whether the grant covers resourceType/resourceID,
// honoring the "*" wildcard on ResourceID.
func (g Grant) Matches(resourceType ResourceType, resourceID string) bool {
	if g.ResourceType != resourceType {
		return false
	}
	return g.ResourceID == "*" || g.ResourceID == resourceID
}

// ActorMethod distinguishes how a Prism actor initiated an operation.
type ActorMethod string

const (
	ActorManual ActorMethod = "manual"
	ActorAuto   ActorMethod = "auto"
	ActorAPI    ActorMethod = "api"
)

// Actor identifies who caused a Prism operation.
type Actor struct {
	NodeID    string
	Kind      NodeKind
	SponsorID string
	Method    ActorMethod
}

// CausedBy links an AuditEntry back to the observation/policy/action
// chain (or batch) that produced it.
type CausedBy struct {
	ObservationID string
	PolicyID      string
	ActionRunID   string
	BatchID       string
}

// AuditEntry is the immutable record of every Prism commit.
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	NodeID        string
	Actor         Actor
	OperationType string
	ResourceType  string
	ResourceID    string
	Details       map[string]any
	CausedBy      CausedBy
	Success       bool
	Error         string
	BatchID       string
	RolledBack    bool
}
