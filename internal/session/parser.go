package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxLineSize bounds a single JSONL line; session files can carry large
// tool-output payloads inline.
const maxLineSize = 16 * 1024 * 1024

// ParseFile reads a session file from disk and returns its entries,
// detected boundaries, and segments.
func ParseFile(path string) (*Parsed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()
	return Parse(path, f)
}

// Parse reads JSON-lines from r: the first non-blank line is the
// session header, every line after is an entry.
func Parse(sessionFile string, r io.Reader) (*Parsed, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	p := &Parsed{
		SessionFile: sessionFile,
		Children:    make(map[string][]string),
	}

	headerSeen := false
	position := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !headerSeen {
			var h Header
			if err := json.Unmarshal([]byte(line), &h); err != nil {
				return nil, fmt.Errorf("parse session header: %w", err)
			}
			p.Header = h
			headerSeen = true
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("parse entry at position %d: %w", position, err)
		}
		entry := entryFromRaw(raw, position)
		p.Entries = append(p.Entries, entry)
		if entry.ParentID != "" {
			p.Children[entry.ParentID] = append(p.Children[entry.ParentID], entry.ID)
		}
		position++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session file: %w", err)
	}
	if !headerSeen {
		return nil, fmt.Errorf("session file %s has no header", sessionFile)
	}

	detectBoundaries(p)
	p.Segments = buildSegments(p)
	return p, nil
}

func entryFromRaw(raw map[string]interface{}, position int) Entry {
	e := Entry{Raw: raw, Position: position}
	if v, ok := raw["id"].(string); ok {
		e.ID = v
	}
	if v, ok := raw["parentId"].(string); ok {
		e.ParentID = v
	}
	if v, ok := raw["timestamp"].(string); ok {
		e.Timestamp = v
	}
	if v, ok := raw["type"].(string); ok {
		switch EntryType(v) {
		case EntryMessage, EntryCompaction, EntryBranchSummary, EntryModelChange, EntryLabel, EntrySessionInfo:
			e.Type = EntryType(v)
		default:
			e.Type = EntryCustom
		}
	} else {
		e.Type = EntryCustom
	}
	return e
}
