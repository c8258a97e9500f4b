package session

// SessionRef is the minimal identity of a session file needed to build
// the fork tree: its own id and, if it is a fork, the session it
// forked from.
type SessionRef struct {
	ID            string
	SessionFile   string
	ParentSession string
}

// ForkTree is the parent -> children adjacency built from a set of
// session headers, used to expose ancestry traversal so the worker can
// produce predecessor/fork edges without re-reading every file.
type ForkTree struct {
	bySessionID map[string]SessionRef
	children    map[string][]string
}

// BuildForkTree indexes a set of session refs by id and groups them by
// parentSession.
func BuildForkTree(refs []SessionRef) *ForkTree {
	t := &ForkTree{
		bySessionID: make(map[string]SessionRef, len(refs)),
		children:    make(map[string][]string),
	}
	for _, r := range refs {
		t.bySessionID[r.ID] = r
		if r.ParentSession != "" {
			t.children[r.ParentSession] = append(t.children[r.ParentSession], r.ID)
		}
	}
	return t
}

// Children returns the session ids that forked directly from sessionID.
func (t *ForkTree) Children(sessionID string) []string {
	return append([]string(nil), t.children[sessionID]...)
}

// Parent returns the session id sessionID forked from, and whether it
// has one.
func (t *ForkTree) Parent(sessionID string) (string, bool) {
	ref, ok := t.bySessionID[sessionID]
	if !ok || ref.ParentSession == "" {
		return "", false
	}
	return ref.ParentSession, true
}

// Ancestors returns sessionID's fork lineage, nearest parent first,
// stopping at the first ref with no recorded parent or at a cycle.
func (t *ForkTree) Ancestors(sessionID string) []string {
	var out []string
	seen := map[string]bool{sessionID: true}
	cur := sessionID
	for {
		parent, ok := t.Parent(cur)
		if !ok || seen[parent] {
			return out
		}
		out = append(out, parent)
		seen[parent] = true
		cur = parent
	}
}

// Descendants returns every session id reachable by following fork
// children transitively from sessionID, breadth-first.
func (t *ForkTree) Descendants(sessionID string) []string {
	var out []string
	seen := map[string]bool{sessionID: true}
	queue := append([]string(nil), t.children[sessionID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, t.children[id]...)
	}
	return out
}
