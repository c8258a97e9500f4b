package session

import "time"

// detectBoundaries runs the ordered rule table over p.Entries in
// stream order, tracking the current leaf and the previous
// non-metadata entry incrementally, and appends to p.Boundaries.
//
// Boundaries are accumulated in a plain slice rather than keyed by
// entry id in a map: a single entry can legitimately carry more than
// one boundary (e.g. a branch_summary whose parentId also happens to
// jump away from the leaf), and a map keyed by entry id would let the
// second boundary silently overwrite the first.
func detectBoundaries(p *Parsed) {
	if p.Header.ParentSession != "" && len(p.Entries) > 0 {
		first := p.Entries[0]
		p.Boundaries = append(p.Boundaries, Boundary{
			Kind:     BoundaryFork,
			Position: 0,
			EntryID:  first.ID,
			Metadata: map[string]interface{}{"parentSession": p.Header.ParentSession},
		})
	}

	// The current leaf is simply the previous non-metadata entry: it had
	// no children until this entry arrived, so it was the leaf right up
	// to the point this entry attaches somewhere in the tree. Whether
	// this entry continues from it (no jump) or attaches to an older
	// entry (a jump) is exactly the tree_jump condition below.
	leaf := ""
	var prevNonMetadata *Entry
	var lastBoundaryKind BoundaryKind

	for i := range p.Entries {
		e := &p.Entries[i]

		if e.isMetadata() {
			continue
		}

		recordedBranch := false
		if e.Type == EntryBranchSummary {
			fromID := leaf
			b := Boundary{
				Kind:     BoundaryBranch,
				Position: e.Position,
				EntryID:  e.ID,
				Metadata: map[string]interface{}{"fromId": fromID, "summary": branchSummaryText(e)},
			}
			p.Boundaries = append(p.Boundaries, b)
			lastBoundaryKind = BoundaryBranch
			recordedBranch = true
		}

		// tree_jump fires when this entry's parent isn't the current
		// leaf, unless the branch rule already explained the jump at
		// this same entry (a branch_summary immediately followed by a
		// parentId mismatch records only the branch, not both).
		if !recordedBranch && leaf != "" && e.ParentID != "" && e.ParentID != leaf && lastBoundaryKind != BoundaryBranch {
			b := Boundary{
				Kind:     BoundaryTreeJump,
				Position: e.Position,
				EntryID:  e.ID,
				Metadata: map[string]interface{}{"fromId": leaf, "toId": e.ParentID},
			}
			p.Boundaries = append(p.Boundaries, b)
			lastBoundaryKind = BoundaryTreeJump
		} else if !recordedBranch {
			lastBoundaryKind = ""
		}

		if e.Type == EntryCompaction {
			b := Boundary{
				Kind:     BoundaryCompaction,
				Position: e.Position,
				EntryID:  e.ID,
				Metadata: map[string]interface{}{"summary": stringField(e, "summary"), "tokensBefore": numberField(e, "tokensBefore")},
			}
			p.Boundaries = append(p.Boundaries, b)
			lastBoundaryKind = BoundaryCompaction
		}

		if prevNonMetadata != nil {
			if gap, ok := gapMinutes(prevNonMetadata.Timestamp, e.Timestamp); ok && gap >= resumeGapMinutes {
				b := Boundary{
					Kind:     BoundaryResume,
					Position: e.Position,
					EntryID:  e.ID,
					Metadata: map[string]interface{}{"gapMinutes": gap},
				}
				p.Boundaries = append(p.Boundaries, b)
				lastBoundaryKind = BoundaryResume
			}
		}

		leaf = e.ID
		prevNonMetadata = e
	}
	p.LeafID = leaf
}

func branchSummaryText(e *Entry) string {
	return stringField(e, "summary")
}

func stringField(e *Entry, key string) string {
	if v, ok := e.Raw[key].(string); ok {
		return v
	}
	return ""
}

func numberField(e *Entry, key string) float64 {
	if v, ok := e.Raw[key].(float64); ok {
		return v
	}
	return 0
}

// gapMinutes returns the elapsed minutes between two RFC3339
// timestamps, or false if either fails to parse.
func gapMinutes(from, to string) (float64, bool) {
	t1, err1 := time.Parse(time.RFC3339, from)
	t2, err2 := time.Parse(time.RFC3339, to)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return t2.Sub(t1).Minutes(), true
}
