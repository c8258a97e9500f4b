// Package session parses raw session event logs (JSON-lines) into a
// DAG of entries and splits that DAG into semantic segments separated
// by detected boundaries.
package session

// EntryType is the closed set of session entry kinds. Anything the
// parser doesn't recognize is kept as EntryCustom so unknown future
// entry kinds degrade to metadata rather than aborting the parse.
type EntryType string

const (
	EntryMessage      EntryType = "message"
	EntryCompaction   EntryType = "compaction"
	EntryBranchSummary EntryType = "branch_summary"
	EntryModelChange  EntryType = "model_change"
	EntryLabel        EntryType = "label"
	EntrySessionInfo  EntryType = "session_info"
	EntryCustom       EntryType = "custom"
)

// Header is the first line of a session file.
type Header struct {
	Version       int    `json:"version"`
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
	Cwd           string `json:"cwd"`
	ParentSession string `json:"parentSession,omitempty"`
}

// Entry is one line of a session file after the header. Entries form
// a DAG via ParentID; the raw field bag is kept in Raw for analyzers
// that need type-specific payloads (branch summary text, compaction
// token counts) without the parser having to model every entry shape.
type Entry struct {
	ID        string                 `json:"id"`
	ParentID  string                 `json:"parentId,omitempty"`
	Type      EntryType              `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Raw       map[string]interface{} `json:"-"`

	// Position is the zero-based index in stream order, set by the
	// parser. It is the authoritative ordering; Timestamp is used only
	// for gap detection, not for sorting.
	Position int `json:"-"`
}

// isMetadata reports whether the entry participates in boundary
// detection at all. label and session_info never do.
func (e Entry) isMetadata() bool {
	return e.Type == EntryLabel || e.Type == EntrySessionInfo
}

// BoundaryKind is the closed set of semantic cuts a parse can detect.
type BoundaryKind string

const (
	BoundaryBranch    BoundaryKind = "branch"
	BoundaryTreeJump  BoundaryKind = "tree_jump"
	BoundaryCompaction BoundaryKind = "compaction"
	BoundaryResume    BoundaryKind = "resume"
	BoundaryFork      BoundaryKind = "fork"
)

// Boundary is a detected cut at a given entry position. Metadata holds
// the kind-specific fields called out in the detection rules (fromId,
// toId, summary, tokensBefore, gapMinutes).
type Boundary struct {
	Kind     BoundaryKind           `json:"kind"`
	Position int                    `json:"position"`
	EntryID  string                 `json:"entryId"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Segment is a maximal contiguous run of entries bounded by either the
// file edges or one of the detected boundaries.
type Segment struct {
	SessionFile  string     `json:"sessionFile"`
	StartEntryID string     `json:"startEntryId"`
	EndEntryID   string     `json:"endEntryId"`
	EntryCount   int        `json:"entryCount"`
	Boundaries   []Boundary `json:"boundaries"`
	Entries      []Entry    `json:"-"`
}

// Parsed is everything a parse of one session file produces.
type Parsed struct {
	SessionFile string
	Header      Header
	Entries     []Entry
	Boundaries  []Boundary
	Segments    []Segment

	// Children maps an entry ID to the IDs of entries whose ParentID
	// points at it; it is the adjacency list of the parentId DAG.
	Children map[string][]string

	// LeafID is the ID of the current leaf: the most recent entry with
	// no children, tracked incrementally as entries are scanned.
	LeafID string
}

// resumeGapMinutes is the minimum time since the previous non-metadata entry
// that triggers a resume boundary.
const resumeGapMinutes = 10
