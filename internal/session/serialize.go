package session

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Serialize writes a header and a set of entries back out as
// JSON-lines, using each entry's original raw field bag so a
// parse/serialize/re-parse round trip is lossless.
func Serialize(header Header, entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	h, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	buf.Write(h)
	buf.WriteByte('\n')
	for _, e := range entries {
		line, err := json.Marshal(e.Raw)
		if err != nil {
			return nil, fmt.Errorf("marshal entry %s: %w", e.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// SerializeSegments concatenates a set of segments' entries in order
// and serializes them with the given header, for archiving or for
// round-trip verification against a fresh parse.
func SerializeSegments(header Header, segments []Segment) ([]byte, error) {
	var entries []Entry
	for _, s := range segments {
		entries = append(entries, s.Entries...)
	}
	return Serialize(header, entries)
}
