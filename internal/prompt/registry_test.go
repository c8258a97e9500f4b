package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pi-brain/pi-brain/internal/clock"
	"github.com/pi-brain/pi-brain/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	promptsDir := filepath.Join(dir, "prompts")
	historyDir := filepath.Join(promptsDir, "history")
	defaultPath := filepath.Join(promptsDir, "active.md")
	return New(db, promptsDir, historyDir, defaultPath, clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))), defaultPath
}

func TestContentHash_NormalizesCommentsAndWhitespace(t *testing.T) {
	a := "Hello   world\n\n<!-- a comment -->\n"
	b := "Hello world"
	if ContentHash([]byte(a)) != ContentHash([]byte(b)) {
		t.Errorf("expected normalized hashes to match")
	}
}

func TestContentHash_DifferentTextDiffers(t *testing.T) {
	if ContentHash([]byte("a")) == ContentHash([]byte("b")) {
		t.Errorf("expected different text to hash differently")
	}
}

func TestRegistry_CurrentInstallsNewVersion(t *testing.T) {
	r, defaultPath := newTestRegistry(t)
	if err := os.MkdirAll(filepath.Dir(defaultPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(defaultPath, []byte("system prompt v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	pv, err := r.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if pv.Sequential != 1 {
		t.Errorf("sequential = %d, want 1", pv.Sequential)
	}
	if _, err := os.Stat(pv.FilePath); err != nil {
		t.Errorf("history copy missing: %v", err)
	}
}

func TestRegistry_CurrentDedupesByHash(t *testing.T) {
	r, defaultPath := newTestRegistry(t)
	os.MkdirAll(filepath.Dir(defaultPath), 0o755)
	os.WriteFile(defaultPath, []byte("same content"), 0o644)

	first, err := r.Current()
	if err != nil {
		t.Fatalf("Current (1): %v", err)
	}

	// Rewrite with only whitespace differences — should normalize to the
	// same hash and return the already-installed version unchanged.
	os.WriteFile(defaultPath, []byte("same   content\n\n"), 0o644)
	second, err := r.Current()
	if err != nil {
		t.Fatalf("Current (2): %v", err)
	}
	if second.Version != first.Version {
		t.Errorf("expected dedup to return same version, got %s vs %s", first.Version, second.Version)
	}

	versions, err := r.db.ListPromptVersions()
	if err != nil {
		t.Fatalf("ListPromptVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("installed versions = %d, want 1", len(versions))
	}
}

func TestRegistry_CurrentIncrementsSequentialOnRealChange(t *testing.T) {
	r, defaultPath := newTestRegistry(t)
	os.MkdirAll(filepath.Dir(defaultPath), 0o755)
	os.WriteFile(defaultPath, []byte("version one"), 0o644)

	first, err := r.Current()
	if err != nil {
		t.Fatalf("Current (1): %v", err)
	}

	os.WriteFile(defaultPath, []byte("version two, substantially different"), 0o644)
	second, err := r.Current()
	if err != nil {
		t.Fatalf("Current (2): %v", err)
	}
	if second.Sequential != first.Sequential+1 {
		t.Errorf("sequential = %d, want %d", second.Sequential, first.Sequential+1)
	}
}

func TestRegistry_InstallDefaultIfMissing_SkipsExisting(t *testing.T) {
	r, defaultPath := newTestRegistry(t)
	os.MkdirAll(filepath.Dir(defaultPath), 0o755)
	os.WriteFile(defaultPath, []byte("already here"), 0o644)

	if err := r.InstallDefaultIfMissing("default text"); err != nil {
		t.Fatalf("InstallDefaultIfMissing: %v", err)
	}
	got, _ := os.ReadFile(defaultPath)
	if string(got) != "already here" {
		t.Errorf("InstallDefaultIfMissing overwrote existing file: %q", got)
	}
}

func TestRegistry_InstallDefaultIfMissing_WritesWhenAbsent(t *testing.T) {
	r, defaultPath := newTestRegistry(t)

	if err := r.InstallDefaultIfMissing("default text"); err != nil {
		t.Fatalf("InstallDefaultIfMissing: %v", err)
	}
	got, err := os.ReadFile(defaultPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "default text" {
		t.Errorf("content = %q, want %q", got, "default text")
	}
}

func insightFixture(id string, typ store.InsightType, model string, confidence float64, frequency int, workaround string) *store.AggregatedInsight {
	return &store.AggregatedInsight{
		ID:         id,
		Type:       typ,
		Model:      model,
		Pattern:    "pattern-" + id,
		Frequency:  frequency,
		Confidence: confidence,
		Workaround: workaround,
	}
}

func TestGenerateAdditions_FiltersByConfidenceAndFrequency(t *testing.T) {
	insights := []*store.AggregatedInsight{
		insightFixture("low-conf", store.InsightWin, "modelA", 0.2, 10, ""),
		insightFixture("low-freq", store.InsightWin, "modelA", 0.9, 1, ""),
		insightFixture("qualifies", store.InsightWin, "modelA", 0.9, 10, ""),
	}
	cfg := AdditionsConfig{MinConfidence: 0.5, MinFrequency: 3, MaxPerSection: 5}

	docs, ids := GenerateAdditions(insights, cfg)
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
	if _, ok := ids["qualifies"]; !ok {
		t.Errorf("expected qualifying insight included, got ids=%v", ids)
	}
	if _, ok := ids["low-conf"]; ok {
		t.Errorf("low confidence insight should be excluded")
	}
	if _, ok := ids["low-freq"]; ok {
		t.Errorf("low frequency insight should be excluded")
	}
}

func TestGenerateAdditions_QuirkWithoutWorkaroundExcluded(t *testing.T) {
	insights := []*store.AggregatedInsight{
		insightFixture("no-workaround", store.InsightQuirk, "modelA", 0.9, 10, ""),
		insightFixture("has-workaround", store.InsightQuirk, "modelA", 0.9, 10, "use the other flag instead"),
	}
	cfg := AdditionsConfig{MinConfidence: 0.1, MinFrequency: 1, MaxPerSection: 5}

	docs, ids := GenerateAdditions(insights, cfg)
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
	if _, ok := ids["no-workaround"]; ok {
		t.Errorf("quirk without workaround should be excluded")
	}
	if _, ok := ids["has-workaround"]; !ok {
		t.Errorf("quirk with workaround should be included")
	}
	doc := docs["modelA"]
	if !strings.Contains(doc, "Known quirks to avoid") || !strings.Contains(doc, "use the other flag instead") {
		t.Errorf("doc missing quirk section or workaround text: %q", doc)
	}
}

func TestGenerateAdditions_GroupsByModel(t *testing.T) {
	insights := []*store.AggregatedInsight{
		insightFixture("a1", store.InsightWin, "modelA", 0.9, 10, ""),
		insightFixture("b1", store.InsightWin, "modelB", 0.9, 10, ""),
	}
	cfg := AdditionsConfig{MinConfidence: 0.1, MinFrequency: 1, MaxPerSection: 5}

	docs, _ := GenerateAdditions(insights, cfg)
	if len(docs) != 2 {
		t.Fatalf("docs = %d, want 2 (one per model)", len(docs))
	}
}

func TestGenerateAdditions_RespectsPerSectionCap(t *testing.T) {
	var insights []*store.AggregatedInsight
	for i := 0; i < 10; i++ {
		insights = append(insights, insightFixture(string(rune('a'+i)), store.InsightWin, "modelA", 0.9, 10, ""))
	}
	cfg := AdditionsConfig{MinConfidence: 0.1, MinFrequency: 1, MaxPerSection: 3}

	_, ids := GenerateAdditions(insights, cfg)
	if len(ids) != 3 {
		t.Errorf("included = %d, want cap of 3", len(ids))
	}
}

func TestRegistry_RefreshAdditions_WritesDocumentAndUpdatesInsights(t *testing.T) {
	r, _ := newTestRegistry(t)
	n := testRefreshNode("n1", "modelA")
	if err := r.db.UpsertNode(n); err != nil {
		t.Fatalf("upsert node: %v", err)
	}

	ins := &store.AggregatedInsight{
		ID:         "ins-1",
		Type:       store.InsightWin,
		Model:      "modelA",
		Pattern:    "batches file reads effectively",
		Frequency:  5,
		Confidence: 0.8,
	}
	if err := r.db.UpsertInsight(ins); err != nil {
		t.Fatalf("upsert insight: %v", err)
	}

	cfg := AdditionsConfig{MinConfidence: 0.5, MinFrequency: 1, MaxPerSection: 5}
	n2, err := r.RefreshAdditions([]*store.AggregatedInsight{ins}, cfg, "v1-deadbeef")
	if err != nil {
		t.Fatalf("RefreshAdditions: %v", err)
	}
	if n2 != 1 {
		t.Fatalf("documents written = %d, want 1", n2)
	}

	docPath := filepath.Join(r.promptsDir, "additions", "modelA.md")
	if _, err := os.Stat(docPath); err != nil {
		t.Errorf("expected additions document at %s: %v", docPath, err)
	}

	updated, err := r.db.ListInsights(store.InsightFilter{Type: store.InsightWin})
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(updated) != 1 || !updated[0].PromptIncluded || updated[0].PromptVersion != "v1-deadbeef" {
		t.Errorf("insight not marked included: %+v", updated)
	}
}

func testRefreshNode(id, model string) *store.Node {
	return &store.Node{
		ID: id,
		Classification: store.Classification{
			Type:    store.NodeFeature,
			Project: "p1",
		},
		Content: store.Content{Summary: "work", Outcome: store.OutcomeCompleted},
		Observations: store.Observations{
			ModelsUsed: []string{model},
		},
		Metadata: store.Metadata{
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			AnalyzedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
}
