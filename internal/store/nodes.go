package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// UpsertNode writes a node atomically: relational row, child tables
// (lessons/model_quirks/tool_errors), JSON artifact on disk, and the FTS
// index entry for its summary document. source.* is carried forward from
// the node's first version rather than ever being overwritten, so
// ingestion provenance survives reanalysis.
func (db *DB) UpsertNode(n *Node) error {
	if !n.Classification.Type.Valid() {
		return newStoreErr("upsertNode", KindValidation, fmt.Errorf("invalid classification type %q", n.Classification.Type))
	}
	if !n.Content.Outcome.Valid() {
		return newStoreErr("upsertNode", KindValidation, fmt.Errorf("invalid outcome %q", n.Content.Outcome))
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	return withRetry("upsertNode", func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// source.* is immutable after the first insert of this id.
		if existing, ok := db.firstVersionSource(tx, n.ID); ok {
			n.Source = existing
		}

		if n.Version == 0 {
			n.Version = 1
		}

		artifactPath, err := db.writeNodeArtifact(n)
		if err != nil {
			return fmt.Errorf("write artifact: %w", err)
		}
		n.ArtifactPath = artifactPath

		if err := insertNodeRow(tx, n); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM lessons WHERE node_id = ?`, n.ID); err != nil {
			return err
		}
		for level, texts := range n.Lessons {
			for _, text := range texts {
				if _, err := tx.Exec(`INSERT INTO lessons (node_id, level, text) VALUES (?, ?, ?)`, n.ID, string(level), text); err != nil {
					return err
				}
			}
		}

		if _, err := tx.Exec(`DELETE FROM model_quirks WHERE node_id = ?`, n.ID); err != nil {
			return err
		}
		for _, quirk := range n.Observations.ModelQuirks {
			model := strings.Join(n.Observations.ModelsUsed, ",")
			if _, err := tx.Exec(`INSERT INTO model_quirks (node_id, model, text) VALUES (?, ?, ?)`, n.ID, model, quirk); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(`DELETE FROM tool_errors WHERE node_id = ?`, n.ID); err != nil {
			return err
		}
		for _, toolErr := range n.Observations.ToolUseErrors {
			if _, err := tx.Exec(`INSERT INTO tool_errors (node_id, tool, text) VALUES (?, '', ?)`, n.ID, toolErr); err != nil {
				return err
			}
		}

		if err := db.indexForSearchTx(tx, n); err != nil {
			return err
		}

		return tx.Commit()
	})
}

func (db *DB) firstVersionSource(tx *sql.Tx, id string) (Source, bool) {
	var s Source
	row := tx.QueryRow(`SELECT session_file, segment_start, segment_end, session_id, computer
		FROM nodes WHERE id = ? ORDER BY version ASC LIMIT 1`, id)
	if err := row.Scan(&s.SessionFile, &s.SegmentStart, &s.SegmentEnd, &s.SessionID, &s.Computer); err != nil {
		return Source{}, false
	}
	return s, true
}

func insertNodeRow(tx *sql.Tx, n *Node) error {
	keyDecisions, _ := json.Marshal(n.Content.KeyDecisions)
	filesTouched, _ := json.Marshal(n.Content.FilesTouched)
	toolsUsed, _ := json.Marshal(n.Content.ToolsUsed)
	errorsSeen, _ := json.Marshal(n.Content.ErrorsSeen)
	modelsUsed, _ := json.Marshal(n.Observations.ModelsUsed)
	promptingWins, _ := json.Marshal(n.Observations.PromptingWins)
	promptingFailures, _ := json.Marshal(n.Observations.PromptingFailures)
	tags, _ := json.Marshal(n.Semantic.Tags)
	topics, _ := json.Marshal(n.Semantic.Topics)
	frictionFlags, _ := json.Marshal(n.Signals.Friction.Flags)
	delightFlags, _ := json.Marshal(n.Signals.Delight.Flags)
	daemonDecisions, _ := json.Marshal(n.DaemonMeta.Decisions)

	_, err := tx.Exec(`INSERT INTO nodes (
		id, version, session_file, segment_start, segment_end, session_id, computer,
		class_type, project, is_new_project, had_clear_goal,
		summary, outcome, key_decisions, files_touched, tools_used, errors_seen,
		models_used, prompting_wins, prompting_failures, tags, topics,
		friction_score, friction_flags, delight_score, delight_flags,
		daemon_decisions, rlm_used, tokens_used, cost, duration_minutes,
		timestamp, analyzed_at, analyzer_version, artifact_path
	) VALUES (?,?,?,?,?,?,?, ?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?, ?,?,?,?, ?,?,?,?,?, ?,?,?,?)
	ON CONFLICT(id, version) DO UPDATE SET
		class_type=excluded.class_type, project=excluded.project,
		is_new_project=excluded.is_new_project, had_clear_goal=excluded.had_clear_goal,
		summary=excluded.summary, outcome=excluded.outcome,
		key_decisions=excluded.key_decisions, files_touched=excluded.files_touched,
		tools_used=excluded.tools_used, errors_seen=excluded.errors_seen,
		models_used=excluded.models_used, prompting_wins=excluded.prompting_wins,
		prompting_failures=excluded.prompting_failures, tags=excluded.tags, topics=excluded.topics,
		friction_score=excluded.friction_score, friction_flags=excluded.friction_flags,
		delight_score=excluded.delight_score, delight_flags=excluded.delight_flags,
		daemon_decisions=excluded.daemon_decisions, rlm_used=excluded.rlm_used,
		tokens_used=excluded.tokens_used, cost=excluded.cost, duration_minutes=excluded.duration_minutes,
		analyzed_at=excluded.analyzed_at, analyzer_version=excluded.analyzer_version,
		artifact_path=excluded.artifact_path`,
		n.ID, n.Version, n.Source.SessionFile, n.Source.SegmentStart, n.Source.SegmentEnd, n.Source.SessionID, n.Source.Computer,
		string(n.Classification.Type), n.Classification.Project, boolToInt(n.Classification.IsNewProject), boolToInt(n.Classification.HadClearGoal),
		n.Content.Summary, string(n.Content.Outcome), string(keyDecisions), string(filesTouched), string(toolsUsed), string(errorsSeen),
		string(modelsUsed), string(promptingWins), string(promptingFailures), string(tags), string(topics),
		n.Signals.Friction.Score, string(frictionFlags), n.Signals.Delight.Score, string(delightFlags),
		string(daemonDecisions), boolToInt(n.DaemonMeta.RLMUsed), n.Metadata.TokensUsed, n.Metadata.Cost, n.Metadata.DurationMinutes,
		n.Metadata.Timestamp, n.Metadata.AnalyzedAt, n.Metadata.AnalyzerVersion, n.ArtifactPath,
	)
	return err
}

// indexForSearchTx derives the node's summary document and writes it to
// the FTS table, replacing any prior entry for the node id.
func (db *DB) indexForSearchTx(tx *sql.Tx, n *Node) error {
	if !db.ftsAvailable {
		return nil
	}
	doc := summaryDocument(n)
	if _, err := tx.Exec(`DELETE FROM fts_nodes_summary WHERE node_id = ?`, n.ID); err != nil {
		return err
	}
	_, err := tx.Exec(`INSERT INTO fts_nodes_summary (node_id, document) VALUES (?, ?)`, n.ID, doc)
	return err
}

// summaryDocument derives the text indexed for FTS:
// "[type] summary\n\nDecisions:\n- ...\n\nLessons:\n- ...". Embedding
// generation (worker and backfill) does not use it; those embed only the
// "[type] summary" line.
func summaryDocument(n *Node) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", n.Classification.Type, n.Content.Summary)
	if len(n.Content.KeyDecisions) > 0 {
		b.WriteString("\n\nDecisions:\n")
		for _, d := range n.Content.KeyDecisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(n.Lessons) > 0 {
		b.WriteString("\nLessons:\n")
		for _, texts := range n.Lessons {
			for _, t := range texts {
				fmt.Fprintf(&b, "- %s\n", t)
			}
		}
	}
	return b.String()
}

// writeNodeArtifact writes the node's full JSON content to
// <dataDir>/../nodes/YYYY/MM/<id>-v<version>.json via a temp-file-then-rename
// so a crash mid-write never leaves a half-written artifact visible.
func (db *DB) writeNodeArtifact(n *Node) (string, error) {
	ts, err := time.Parse(time.RFC3339, n.Metadata.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	dir := filepath.Join(filepath.Dir(db.dataDir), "nodes", ts.Format("2006"), ts.Format("01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-v%d.json", n.ID, n.Version))

	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return "", err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// GetNode returns the latest version of a node by id.
func (db *DB) GetNode(id string) (*Node, error) {
	row := db.conn.QueryRow(`SELECT
		id, version, session_file, segment_start, segment_end, session_id, computer,
		class_type, project, is_new_project, had_clear_goal,
		summary, outcome, key_decisions, files_touched, tools_used, errors_seen,
		models_used, prompting_wins, prompting_failures, tags, topics,
		friction_score, friction_flags, delight_score, delight_flags,
		daemon_decisions, rlm_used, tokens_used, cost, duration_minutes,
		timestamp, analyzed_at, analyzer_version, artifact_path
	FROM nodes WHERE id = ? ORDER BY version DESC LIMIT 1`, id)

	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, newStoreErr("getNode", KindNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	if err := db.attachChildTables(n); err != nil {
		return nil, err
	}
	return n, nil
}

// GetNodeVersion returns a specific version of a node, or NotFound.
func (db *DB) GetNodeVersion(id string, version int) (*Node, error) {
	row := db.conn.QueryRow(`SELECT
		id, version, session_file, segment_start, segment_end, session_id, computer,
		class_type, project, is_new_project, had_clear_goal,
		summary, outcome, key_decisions, files_touched, tools_used, errors_seen,
		models_used, prompting_wins, prompting_failures, tags, topics,
		friction_score, friction_flags, delight_score, delight_flags,
		daemon_decisions, rlm_used, tokens_used, cost, duration_minutes,
		timestamp, analyzed_at, analyzer_version, artifact_path
	FROM nodes WHERE id = ? AND version = ?`, id, version)

	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, newStoreErr("getNodeVersion", KindNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	if err := db.attachChildTables(n); err != nil {
		return nil, err
	}
	return n, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanNode(row scannable) (*Node, error) {
	var n Node
	var keyDecisions, filesTouched, toolsUsed, errorsSeen string
	var modelsUsed, promptingWins, promptingFailures, tags, topics string
	var frictionFlags, delightFlags, daemonDecisions string
	var isNewProject, hadClearGoal, rlmUsed int

	err := row.Scan(
		&n.ID, &n.Version, &n.Source.SessionFile, &n.Source.SegmentStart, &n.Source.SegmentEnd, &n.Source.SessionID, &n.Source.Computer,
		&n.Classification.Type, &n.Classification.Project, &isNewProject, &hadClearGoal,
		&n.Content.Summary, &n.Content.Outcome, &keyDecisions, &filesTouched, &toolsUsed, &errorsSeen,
		&modelsUsed, &promptingWins, &promptingFailures, &tags, &topics,
		&n.Signals.Friction.Score, &frictionFlags, &n.Signals.Delight.Score, &delightFlags,
		&daemonDecisions, &rlmUsed, &n.Metadata.TokensUsed, &n.Metadata.Cost, &n.Metadata.DurationMinutes,
		&n.Metadata.Timestamp, &n.Metadata.AnalyzedAt, &n.Metadata.AnalyzerVersion, &n.ArtifactPath,
	)
	if err != nil {
		return nil, err
	}

	n.Classification.Project = n.Classification.Project
	n.Classification.IsNewProject = isNewProject != 0
	n.Classification.HadClearGoal = hadClearGoal != 0
	n.DaemonMeta.RLMUsed = rlmUsed != 0

	_ = json.Unmarshal([]byte(keyDecisions), &n.Content.KeyDecisions)
	_ = json.Unmarshal([]byte(filesTouched), &n.Content.FilesTouched)
	_ = json.Unmarshal([]byte(toolsUsed), &n.Content.ToolsUsed)
	_ = json.Unmarshal([]byte(errorsSeen), &n.Content.ErrorsSeen)
	_ = json.Unmarshal([]byte(modelsUsed), &n.Observations.ModelsUsed)
	_ = json.Unmarshal([]byte(promptingWins), &n.Observations.PromptingWins)
	_ = json.Unmarshal([]byte(promptingFailures), &n.Observations.PromptingFailures)
	_ = json.Unmarshal([]byte(tags), &n.Semantic.Tags)
	_ = json.Unmarshal([]byte(topics), &n.Semantic.Topics)
	_ = json.Unmarshal([]byte(frictionFlags), &n.Signals.Friction.Flags)
	_ = json.Unmarshal([]byte(delightFlags), &n.Signals.Delight.Flags)
	_ = json.Unmarshal([]byte(daemonDecisions), &n.DaemonMeta.Decisions)

	return &n, nil
}

func (db *DB) attachChildTables(n *Node) error {
	n.Lessons = Lessons{}
	rows, err := db.conn.Query(`SELECT level, text FROM lessons WHERE node_id = ?`, n.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var level, text string
		if err := rows.Scan(&level, &text); err != nil {
			rows.Close()
			return err
		}
		n.Lessons[LessonLevel(level)] = append(n.Lessons[LessonLevel(level)], text)
	}
	rows.Close()

	quirkRows, err := db.conn.Query(`SELECT text FROM model_quirks WHERE node_id = ?`, n.ID)
	if err != nil {
		return err
	}
	n.Observations.ModelQuirks = nil
	for quirkRows.Next() {
		var text string
		if err := quirkRows.Scan(&text); err != nil {
			quirkRows.Close()
			return err
		}
		n.Observations.ModelQuirks = append(n.Observations.ModelQuirks, text)
	}
	quirkRows.Close()

	errRows, err := db.conn.Query(`SELECT text FROM tool_errors WHERE node_id = ?`, n.ID)
	if err != nil {
		return err
	}
	n.Observations.ToolUseErrors = nil
	for errRows.Next() {
		var text string
		if err := errRows.Scan(&text); err != nil {
			errRows.Close()
			return err
		}
		n.Observations.ToolUseErrors = append(n.Observations.ToolUseErrors, text)
	}
	errRows.Close()

	return nil
}

// NodeFilter narrows ListNodes by the fields the query API exposes.
type NodeFilter struct {
	Project string
	Type    NodeType
	Outcome Outcome
	From    string
	To      string
	Tag     string
	Topic   string
	Limit   int
	Offset  int
	Sort    string // "timestamp" (default)
	Order   string // "asc" | "desc" (default)
}

// ListNodes returns the latest version of each node matching the filter,
// newest first by default.
func (db *DB) ListNodes(f NodeFilter) ([]*Node, error) {
	var where []string
	var args []interface{}

	where = append(where, `version = (SELECT MAX(version) FROM nodes n2 WHERE n2.id = nodes.id)`)
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Type != "" {
		where = append(where, "class_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.From != "" {
		where = append(where, "timestamp >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		where = append(where, "timestamp <= ?")
		args = append(args, f.To)
	}
	if f.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(nodes.tags) WHERE json_each.value = ?)")
		args = append(args, f.Tag)
	}
	if f.Topic != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(nodes.topics) WHERE json_each.value = ?)")
		args = append(args, f.Topic)
	}

	sortCol := "timestamp"
	if f.Sort == "cost" || f.Sort == "tokensUsed" {
		sortCol = snakeCase(f.Sort)
	}
	order := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		order = "ASC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT
		id, version, session_file, segment_start, segment_end, session_id, computer,
		class_type, project, is_new_project, had_clear_goal,
		summary, outcome, key_decisions, files_touched, tools_used, errors_seen,
		models_used, prompting_wins, prompting_failures, tags, topics,
		friction_score, friction_flags, delight_score, delight_flags,
		daemon_decisions, rlm_used, tokens_used, cost, duration_minutes,
		timestamp, analyzed_at, analyzer_version, artifact_path
	FROM nodes WHERE %s ORDER BY %s %s LIMIT ? OFFSET ?`, strings.Join(where, " AND "), sortCol, order)

	args = append(args, limit, f.Offset)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		if err := db.attachChildTables(n); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodesNeedingReanalysis returns up to limit latest-version nodes whose
// analyzerVersion does not match currentVersion, oldest analyzedAt first —
// candidates for the reanalysis maintenance job (spec §4.7).
func (db *DB) NodesNeedingReanalysis(currentVersion string, limit int) ([]*Node, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT
		id, version, session_file, segment_start, segment_end, session_id, computer,
		class_type, project, is_new_project, had_clear_goal,
		summary, outcome, key_decisions, files_touched, tools_used, errors_seen,
		models_used, prompting_wins, prompting_failures, tags, topics,
		friction_score, friction_flags, delight_score, delight_flags,
		daemon_decisions, rlm_used, tokens_used, cost, duration_minutes,
		timestamp, analyzed_at, analyzer_version, artifact_path
	FROM nodes
	WHERE version = (SELECT MAX(version) FROM nodes n2 WHERE n2.id = nodes.id)
	AND analyzer_version != ?
	ORDER BY analyzed_at ASC LIMIT ?`

	rows, err := db.conn.Query(query, currentVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func snakeCase(camel string) string {
	var b strings.Builder
	for i, r := range camel {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
