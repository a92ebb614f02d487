// Package model holds the data types shared across the engine's
// subsystems: the unit of retrievable content, durable state-store rows,
// and the retrieval trace envelope.
package model

import "github.com/axiomorient/axiomme/internal/uri"

// ContextType is the closed set of IndexRecord content classifications.
type ContextType string

const (
	ContextResource ContextType = "resource"
	ContextMemory   ContextType = "memory"
	ContextSkill    ContextType = "skill"
	ContextSession  ContextType = "session"
	ContextDir      ContextType = "directory"
)

// IndexRecord is the unit of retrievable content.
type IndexRecord struct {
	Uri         uri.AxiomUri
	ParentUri   *uri.AxiomUri
	IsLeaf      bool
	ContextType ContextType
	Name        string
	AbstractText string
	Content     string
	Tags        []string
	UpdatedAt   int64
	Depth       int
}

// IndexStateEntry is a row of the index_state table.
type IndexStateEntry struct {
	Uri         string
	ContentHash string
	MtimeNanos  int64
	Status      string
	IndexedAt   int64
}

// OutboxStatus is the closed set of OutboxEvent statuses.
type OutboxStatus string

const (
	OutboxNew        OutboxStatus = "new"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxDeadLetter OutboxStatus = "dead_letter"
)

// Lane classifies an outbox event for reporting and backpressure.
type Lane string

const (
	LaneSemantic  Lane = "semantic"
	LaneEmbedding Lane = "embedding"
)

// OutboxEvent is a durable queue row.
type OutboxEvent struct {
	Id             int64
	EventType      string
	Uri            string
	PayloadJson    string
	Status         OutboxStatus
	AttemptCount   int
	NextAttemptAt  int64
	Lane           Lane
}

// StopReason is the closed set of DRR expansion stop conditions.
type StopReason string

const (
	StopConverged   StopReason = "converged"
	StopQueueEmpty  StopReason = "queue_empty"
	StopBudgetMs    StopReason = "budget_ms"
	StopBudgetNodes StopReason = "budget_nodes"
	StopMaxDepth    StopReason = "max_depth"
)

// TracePoint is a scored URI recorded at frontier seed time or during
// expansion steps.
type TracePoint struct {
	Uri   string
	Score float64
}

// TraceStep records one expansion round for observability.
type TraceStep struct {
	Round      int
	PoppedUri  string
	Expanded   int
	Selected   int
}

// TraceMetrics carries the summary counters recorded on a trace.
type TraceMetrics struct {
	LatencyMs          int64
	ExploredNodes      int
	ConvergenceRounds  int
	TypedQueryCount    int
	RelationEnrichedCount int
}

// RetrievalTrace is the full-fidelity record of one retrieval run.
type RetrievalTrace struct {
	TraceId     string
	RequestType string
	Query       string
	TargetUri   string
	StartPoints []TracePoint
	Steps       []TraceStep
	FinalTopK   []TracePoint
	StopReason  StopReason
	Metrics     TraceMetrics
}

// OmScope is the closed set of observational-memory record scopes.
type OmScope string

const (
	OmSession  OmScope = "session"
	OmThread   OmScope = "thread"
	OmResource OmScope = "resource"
)

// OmRecord is the per-(scope, scope_key) observational memory record.
type OmRecord struct {
	Scope      OmScope
	ScopeKey   string

	GenerationCount          int64
	LastAppliedOutboxEventId int64

	ActiveObservations     string
	ObservationTokenCount  int
	PendingMessageTokens   int
	LastObservedAt         int64
	LastActivatedMessageIds []string

	IsBufferingObservation  bool
	LastBufferedAtTokens    int
	BufferedReflectionReady bool
	BufferedReflectionText  string

	ObserverTriggerCountTotal   int64
	ReflectorTriggerCountTotal  int64

	CurrentTask        string
	SuggestedResponse  string
}

// OmObservationChunk buffers intermediate observer output between
// activations.
type OmObservationChunk struct {
	RecordId       string
	Seq            int64
	CycleId        string
	Observations   string
	TokenCount     int
	MessageTokens  int
	MessageIds     []string
	LastObservedAt int64
	CreatedAt      int64
}

// RelationLink is one relation entry persisted in an owner's
// .relations.json document.
type RelationLink struct {
	Id     string   `json:"id"`
	Uris   []string `json:"uris"`
	Reason string   `json:"reason"`
}
