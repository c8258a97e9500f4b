package store

// NodeType classifies what kind of work a node's segment represents.
type NodeType string

const (
	NodeFeature     NodeType = "feature"
	NodeBugfix      NodeType = "bugfix"
	NodeRefactor    NodeType = "refactor"
	NodeExploration NodeType = "exploration"
	NodePlanning    NodeType = "planning"
	NodeOther       NodeType = "other"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeFeature, NodeBugfix, NodeRefactor, NodeExploration, NodePlanning, NodeOther:
		return true
	}
	return false
}

// Outcome is how a segment's work concluded.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePartial   Outcome = "partial"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeBlocked   Outcome = "blocked"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomePartial, OutcomeAbandoned, OutcomeBlocked:
		return true
	}
	return false
}

// LessonLevel is the scope a lesson applies at.
type LessonLevel string

const (
	LessonProject  LessonLevel = "project"
	LessonTask     LessonLevel = "task"
	LessonUser     LessonLevel = "user"
	LessonModel    LessonLevel = "model"
	LessonTool     LessonLevel = "tool"
	LessonSkill    LessonLevel = "skill"
	LessonSubagent LessonLevel = "subagent"
)

// EdgeKind is a typed relation between two nodes. The first five are
// boundary (structural) edges and predecessor is also linked by the
// worker during ingestion; the last three are inferred by maintenance.
type EdgeKind string

const (
	EdgeBranch           EdgeKind = "branch"
	EdgeTreeJump         EdgeKind = "tree_jump"
	EdgeCompaction       EdgeKind = "compaction"
	EdgeResume           EdgeKind = "resume"
	EdgeFork             EdgeKind = "fork"
	EdgePredecessor      EdgeKind = "predecessor"
	EdgeSemanticRelated  EdgeKind = "semantic_related"
	EdgeReferences       EdgeKind = "references"
	EdgeLessonReinforces EdgeKind = "lesson_reinforces"
)

func (k EdgeKind) Structural() bool {
	switch k {
	case EdgeBranch, EdgeTreeJump, EdgeCompaction, EdgeResume, EdgeFork:
		return true
	}
	return false
}

// Classification is the node's high-level categorization.
type Classification struct {
	Type          NodeType `json:"type"`
	Project       string   `json:"project"`
	IsNewProject  bool     `json:"isNewProject"`
	HadClearGoal  bool     `json:"hadClearGoal"`
}

// Content is the substance of what happened in the segment.
type Content struct {
	Summary      string   `json:"summary"`
	Outcome      Outcome  `json:"outcome"`
	KeyDecisions []string `json:"keyDecisions"`
	FilesTouched []string `json:"filesTouched"`
	ToolsUsed    []string `json:"toolsUsed"`
	ErrorsSeen   []string `json:"errorsSeen"`
}

// Lessons groups short lesson strings by the level they apply at.
type Lessons map[LessonLevel][]string

// Observations is what the analyzer noticed about model/tool behavior.
type Observations struct {
	ModelsUsed        []string `json:"modelsUsed"`
	PromptingWins     []string `json:"promptingWins"`
	PromptingFailures []string `json:"promptingFailures"`
	ModelQuirks       []string `json:"modelQuirks"`
	ToolUseErrors     []string `json:"toolUseErrors"`
}

// Metadata is bookkeeping about the analysis run that produced the node.
type Metadata struct {
	TokensUsed      int     `json:"tokensUsed"`
	Cost            float64 `json:"cost"`
	DurationMinutes float64 `json:"durationMinutes"`
	Timestamp       string  `json:"timestamp"`
	AnalyzedAt      string  `json:"analyzedAt"`
	AnalyzerVersion string  `json:"analyzerVersion"`
}

// Semantic holds search-oriented tagging.
type Semantic struct {
	Tags   []string `json:"tags"`
	Topics []string `json:"topics"`
}

// FrictionFlags are the sub-signals that contribute to a friction score.
type FrictionFlags struct {
	Rephrasing        bool `json:"rephrasing"`
	Abandonment       bool `json:"abandonment"`
	Churn             bool `json:"churn"`
	AbandonedRestart  bool `json:"abandonedRestart"`
}

// DelightFlags are the sub-signals that contribute to a delight score.
type DelightFlags struct {
	Resilience     bool `json:"resilience"`
	OneShotSuccess bool `json:"oneShotSuccess"`
}

// Signals is the derived friction/delight scoring for a node.
type Signals struct {
	Friction struct {
		Score float64       `json:"score"`
		Flags FrictionFlags `json:"flags"`
	} `json:"friction"`
	Delight struct {
		Score float64      `json:"score"`
		Flags DelightFlags `json:"flags"`
	} `json:"delight"`
}

// DaemonMeta is bookkeeping the control plane attaches to a node.
type DaemonMeta struct {
	Decisions []string `json:"decisions"`
	RLMUsed   bool     `json:"rlmUsed"`
}

// Source identifies exactly where a node's segment came from. Set on
// INSERT only; an UPDATE (new version) never overwrites it.
type Source struct {
	SessionFile string `json:"sessionFile"`
	SegmentStart string `json:"segmentStart"`
	SegmentEnd   string `json:"segmentEnd"`
	SessionID   string `json:"sessionId"`
	Computer    string `json:"computer"`
}

// Node is the canonical unit of knowledge derived from one segment.
type Node struct {
	ID             string         `json:"id"`
	Version        int            `json:"version"`
	Source         Source         `json:"source"`
	Classification Classification `json:"classification"`
	Content        Content        `json:"content"`
	Lessons        Lessons        `json:"lessons"`
	Observations   Observations   `json:"observations"`
	Metadata       Metadata       `json:"metadata"`
	Semantic       Semantic       `json:"semantic"`
	Signals        Signals        `json:"signals"`
	DaemonMeta     DaemonMeta     `json:"daemonMeta"`
	ArtifactPath   string         `json:"-"`
}

// Edge is a directed, typed link between two nodes.
type Edge struct {
	FromNodeID string                 `json:"fromNodeId"`
	ToNodeID   string                 `json:"toNodeId"`
	Kind       EdgeKind               `json:"kind"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// InsightType is what kind of recurring observation an insight captures.
type InsightType string

const (
	InsightQuirk     InsightType = "quirk"
	InsightWin       InsightType = "win"
	InsightFailure   InsightType = "failure"
	InsightToolError InsightType = "tool_error"
	InsightLesson    InsightType = "lesson"
)

// Severity is a coarse bucket for how bad an insight's pattern is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AggregatedInsight is a recurring observation distilled across nodes.
type AggregatedInsight struct {
	ID              string      `json:"id"`
	Type            InsightType `json:"type"`
	Model           string      `json:"model,omitempty"`
	Tool            string      `json:"tool,omitempty"`
	Pattern         string      `json:"pattern"`
	Frequency       int         `json:"frequency"`
	Confidence      float64     `json:"confidence"`
	Severity        Severity    `json:"severity"`
	Workaround      string      `json:"workaround,omitempty"`
	Examples        []string    `json:"examples"`
	FirstSeen       string      `json:"firstSeen"`
	LastSeen        string      `json:"lastSeen"`
	PromptText      string      `json:"promptText,omitempty"`
	PromptIncluded  bool        `json:"promptIncluded"`
	PromptVersion   string      `json:"promptVersion,omitempty"`
}

// PromptVersion identifies the analyzer prompt at a point in time.
type PromptVersion struct {
	Version     string `json:"version"` // "v{n}-{hash8}"
	Sequential  int    `json:"sequential"`
	ContentHash string `json:"contentHash"`
	CreatedAt   string `json:"createdAt"`
	FilePath    string `json:"filePath"`
}

// EffectivenessWindow is an occurrence measurement over a time span.
type EffectivenessWindow struct {
	Occurrences int      `json:"occurrences"`
	Severity    Severity `json:"severity"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
}

// PromptEffectiveness measures whether installing a prompt version changed
// an insight's occurrence rate.
type PromptEffectiveness struct {
	ID                       string              `json:"id"`
	InsightID                string              `json:"insightId"`
	PromptVersion            string              `json:"promptVersion"`
	Before                   EffectivenessWindow `json:"before"`
	After                    EffectivenessWindow `json:"after"`
	ImprovementPct           float64             `json:"improvementPct"`
	StatisticallySignificant bool                `json:"statisticallySignificant"`
	SessionsBefore           int                 `json:"sessionsBefore"`
	SessionsAfter            int                 `json:"sessionsAfter"`
	MeasuredAt               string              `json:"measuredAt"`
}

// ClusterStatus is the human review state of a discovered cluster.
type ClusterStatus string

const (
	ClusterPending   ClusterStatus = "pending"
	ClusterConfirmed ClusterStatus = "confirmed"
	ClusterDismissed ClusterStatus = "dismissed"
)

// SignalType distinguishes friction clusters from delight clusters.
type SignalType string

const (
	SignalFriction SignalType = "friction"
	SignalDelight  SignalType = "delight"
)

// Cluster is a group of nodes/patterns aggregated by vector similarity.
type Cluster struct {
	ID             string        `json:"id"`
	Name           string        `json:"name,omitempty"`
	Description    string        `json:"description,omitempty"`
	NodeCount      int           `json:"nodeCount"`
	SignalType     SignalType    `json:"signalType,omitempty"`
	RelatedModel   string        `json:"relatedModel,omitempty"`
	Status         ClusterStatus `json:"status"`
	Algorithm      string        `json:"algorithm"`
	MinClusterSize int           `json:"minClusterSize"`
	Centroid       []float32     `json:"centroid,omitempty"`
}

// NodeEmbedding is a node's vector representation, mirrored into the
// sqlite-vec virtual table keyed by a stable integer rowid.
type NodeEmbedding struct {
	NodeID     string    `json:"nodeId"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Embedding  []float32 `json:"embedding"`
}

// JobKind is what a queued unit of work asks a worker to do.
type JobKind string

const (
	JobInitial             JobKind = "initial"
	JobReanalysis          JobKind = "reanalysis"
	JobConnectionDiscovery JobKind = "connection_discovery"
)

// JobState is a job's lifecycle stage.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Priority constants, lower runs sooner.
const (
	PriorityUserTriggered = 10
	PriorityFork          = 50
	PriorityInitial       = 100
	PriorityReanalysis    = 200
	PriorityConnection    = 300
)

// Job is one unit of queued analysis or maintenance work.
type Job struct {
	ID          string   `json:"id"`
	Kind        JobKind  `json:"kind"`
	SessionFile string   `json:"sessionFile,omitempty"`
	NodeID      string   `json:"nodeId,omitempty"`
	Priority    int      `json:"priority"`
	RunAt       int64    `json:"runAt"`
	Attempts    int      `json:"attempts"`
	WorkerID    string   `json:"workerId,omitempty"`
	LeasedUntil int64    `json:"leasedUntil,omitempty"`
	State       JobState `json:"state"`
	LastError   string   `json:"lastError,omitempty"`
}
