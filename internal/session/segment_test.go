package session

import (
	"bytes"
	"testing"
)

func TestBuildSegments_SplitsAtBoundaries(t *testing.T) {
	src := buildSession(
		map[string]interface{}{"version": 1, "id": "s1", "timestamp": "2026-01-01T00:00:00Z"},
		[]map[string]interface{}{
			entry("e1", "", EntryMessage, "2026-01-01T00:00:00Z", nil),
			entry("e2", "e1", EntryMessage, "2026-01-01T00:00:01Z", nil),
			entry("e3", "e1", EntryCompaction, "2026-01-01T00:00:02Z", map[string]interface{}{"summary": "x", "tokensBefore": 10}),
			entry("e4", "e3", EntryMessage, "2026-01-01T00:00:03Z", nil),
		},
	)
	p := mustParse(t, src)
	if len(p.Segments) != 2 {
		t.Fatalf("expected 2 segments (split at e3's compaction/tree_jump), got %d: %+v", len(p.Segments), p.Segments)
	}
	first, second := p.Segments[0], p.Segments[1]
	if first.StartEntryID != "e1" || first.EndEntryID != "e2" {
		t.Errorf("unexpected first segment bounds: %+v", first)
	}
	if second.StartEntryID != "e3" || second.EndEntryID != "e4" {
		t.Errorf("unexpected second segment bounds: %+v", second)
	}
	if len(second.Boundaries) == 0 {
		t.Error("expected second segment to carry its starting boundary")
	}
}

func TestBuildSegments_NoBoundariesYieldsSingleSegment(t *testing.T) {
	src := buildSession(
		map[string]interface{}{"version": 1, "id": "s1", "timestamp": "2026-01-01T00:00:00Z"},
		[]map[string]interface{}{
			entry("e1", "", EntryMessage, "2026-01-01T00:00:00Z", nil),
			entry("e2", "e1", EntryMessage, "2026-01-01T00:00:01Z", nil),
		},
	)
	p := mustParse(t, src)
	if len(p.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(p.Segments))
	}
	if p.Segments[0].EntryCount != 2 {
		t.Errorf("expected entry count 2, got %d", p.Segments[0].EntryCount)
	}
}

func TestParseSerializeReparse_Idempotent(t *testing.T) {
	src := buildSession(
		map[string]interface{}{"version": 1, "id": "s1", "timestamp": "2026-01-01T00:00:00Z"},
		[]map[string]interface{}{
			entry("e1", "", EntryMessage, "2026-01-01T00:00:00Z", nil),
			entry("e2", "e1", EntryMessage, "2026-01-01T00:00:01Z", nil),
			entry("e3", "e1", EntryCompaction, "2026-01-01T00:00:02Z", map[string]interface{}{"summary": "x", "tokensBefore": 10}),
			entry("e4", "e3", EntryMessage, "2026-01-01T00:15:00Z", nil),
		},
	)
	p1 := mustParse(t, src)

	serialized, err := SerializeSegments(p1.Header, p1.Segments)
	if err != nil {
		t.Fatalf("SerializeSegments: %v", err)
	}

	p2, err := Parse("test.jsonl", bytes.NewReader(serialized))
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}

	if len(p1.Segments) != len(p2.Segments) {
		t.Fatalf("segment count differs: %d vs %d", len(p1.Segments), len(p2.Segments))
	}
	for i := range p1.Segments {
		a, b := p1.Segments[i], p2.Segments[i]
		if a.StartEntryID != b.StartEntryID || a.EndEntryID != b.EndEntryID || a.EntryCount != b.EntryCount {
			t.Errorf("segment %d differs: %+v vs %+v", i, a, b)
		}
		if len(a.Boundaries) != len(b.Boundaries) {
			t.Errorf("segment %d boundary count differs: %v vs %v", i, a.Boundaries, b.Boundaries)
		}
	}
	if len(p1.Boundaries) != len(p2.Boundaries) {
		t.Errorf("boundary count differs: %d vs %d", len(p1.Boundaries), len(p2.Boundaries))
	}
}
