package store

import (
	"database/sql"
	"encoding/json"
)

// UpsertInsight inserts or replaces an aggregated insight row.
func (db *DB) UpsertInsight(ins *AggregatedInsight) error {
	examples, _ := json.Marshal(ins.Examples)

	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("upsertInsight", func() error {
		_, err := db.conn.Exec(`INSERT INTO aggregated_insights (
			id, type, model, tool, pattern, frequency, confidence, severity, workaround,
			examples, first_seen, last_seen, prompt_text, prompt_included, prompt_version
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			frequency=excluded.frequency, confidence=excluded.confidence, severity=excluded.severity,
			workaround=excluded.workaround, examples=excluded.examples, last_seen=excluded.last_seen,
			prompt_text=excluded.prompt_text, prompt_included=excluded.prompt_included, prompt_version=excluded.prompt_version`,
			ins.ID, string(ins.Type), ins.Model, ins.Tool, ins.Pattern, ins.Frequency, ins.Confidence, string(ins.Severity),
			ins.Workaround, string(examples), ins.FirstSeen, ins.LastSeen, ins.PromptText, boolToInt(ins.PromptIncluded), ins.PromptVersion,
		)
		return err
	})
}

// GetInsight returns an insight by id, or NotFound.
func (db *DB) GetInsight(id string) (*AggregatedInsight, error) {
	row := db.conn.QueryRow(`SELECT id, type, model, tool, pattern, frequency, confidence, severity, workaround,
		examples, first_seen, last_seen, prompt_text, prompt_included, prompt_version
		FROM aggregated_insights WHERE id = ?`, id)
	ins, err := scanInsight(row)
	if err == sql.ErrNoRows {
		return nil, newStoreErr("getInsight", KindNotFound, err)
	}
	return ins, err
}

// InsightFilter narrows ListInsights.
type InsightFilter struct {
	Type  InsightType
	Model string
	Tool  string
}

// ListInsights returns insights matching the filter.
func (db *DB) ListInsights(f InsightFilter) ([]*AggregatedInsight, error) {
	query := `SELECT id, type, model, tool, pattern, frequency, confidence, severity, workaround,
		examples, first_seen, last_seen, prompt_text, prompt_included, prompt_version
		FROM aggregated_insights WHERE 1=1`
	var args []interface{}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if f.Model != "" {
		query += " AND model = ?"
		args = append(args, f.Model)
	}
	if f.Tool != "" {
		query += " AND tool = ?"
		args = append(args, f.Tool)
	}
	query += " ORDER BY frequency DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AggregatedInsight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// ListPromptIncludedInsights returns insights currently deployed into the
// prompt (promptIncluded=true), for the effectiveness measurement pass.
func (db *DB) ListPromptIncludedInsights() ([]*AggregatedInsight, error) {
	rows, err := db.conn.Query(`SELECT id, type, model, tool, pattern, frequency, confidence, severity, workaround,
		examples, first_seen, last_seen, prompt_text, prompt_included, prompt_version
		FROM aggregated_insights WHERE prompt_included = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AggregatedInsight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// SetInsightPromptIncluded flips promptIncluded for an insight — used by
// the auto-disable pass.
func (db *DB) SetInsightPromptIncluded(id string, included bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("setInsightPromptIncluded", func() error {
		_, err := db.conn.Exec(`UPDATE aggregated_insights SET prompt_included = ? WHERE id = ?`, boolToInt(included), id)
		return err
	})
}

// UpdateInsightPromptTexts updates promptText/promptIncluded/promptVersion
// for a batch of insights in one transaction, so the measurement loop has
// a fixed deployment timestamp for all of them.
func (db *DB) UpdateInsightPromptTexts(updates map[string]string, promptVersion string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("updateInsightPromptTexts", func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for id, text := range updates {
			if _, err := tx.Exec(`UPDATE aggregated_insights SET prompt_text = ?, prompt_included = 1, prompt_version = ?
				WHERE id = ?`, text, promptVersion, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func scanInsight(row scannable) (*AggregatedInsight, error) {
	var ins AggregatedInsight
	var examples string
	var promptIncluded int
	if err := row.Scan(&ins.ID, &ins.Type, &ins.Model, &ins.Tool, &ins.Pattern, &ins.Frequency, &ins.Confidence,
		&ins.Severity, &ins.Workaround, &examples, &ins.FirstSeen, &ins.LastSeen, &ins.PromptText,
		&promptIncluded, &ins.PromptVersion); err != nil {
		return nil, err
	}
	ins.PromptIncluded = promptIncluded != 0
	_ = json.Unmarshal([]byte(examples), &ins.Examples)
	return &ins, nil
}
