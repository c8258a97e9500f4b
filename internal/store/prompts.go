package store

import "database/sql"

// UpsertPromptVersion inserts a new prompt version row. Content-hash dedup
// (skip insert if hash unchanged from latest) is the caller's
// responsibility (see internal/prompt) so the store stays a dumb ledger.
func (db *DB) UpsertPromptVersion(pv *PromptVersion) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("upsertPromptVersion", func() error {
		_, err := db.conn.Exec(`INSERT INTO prompt_versions (version, sequential, content_hash, created_at, file_path)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(version) DO UPDATE SET sequential=excluded.sequential, content_hash=excluded.content_hash,
				file_path=excluded.file_path`,
			pv.Version, pv.Sequential, pv.ContentHash, pv.CreatedAt, pv.FilePath)
		return err
	})
}

// LatestPromptVersion returns the highest sequential prompt version, or
// NotFound if none has been installed yet.
func (db *DB) LatestPromptVersion() (*PromptVersion, error) {
	row := db.conn.QueryRow(`SELECT version, sequential, content_hash, created_at, file_path
		FROM prompt_versions ORDER BY sequential DESC LIMIT 1`)
	return scanPromptVersion(row, "latestPromptVersion")
}

// GetPromptVersion returns a specific prompt version.
func (db *DB) GetPromptVersion(version string) (*PromptVersion, error) {
	row := db.conn.QueryRow(`SELECT version, sequential, content_hash, created_at, file_path
		FROM prompt_versions WHERE version = ?`, version)
	return scanPromptVersion(row, "getPromptVersion")
}

func scanPromptVersion(row *sql.Row, op string) (*PromptVersion, error) {
	var pv PromptVersion
	err := row.Scan(&pv.Version, &pv.Sequential, &pv.ContentHash, &pv.CreatedAt, &pv.FilePath)
	if err == sql.ErrNoRows {
		return nil, newStoreErr(op, KindNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

// ListPromptVersions returns all prompt versions, oldest first.
func (db *DB) ListPromptVersions() ([]*PromptVersion, error) {
	rows, err := db.conn.Query(`SELECT version, sequential, content_hash, created_at, file_path
		FROM prompt_versions ORDER BY sequential ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PromptVersion
	for rows.Next() {
		var pv PromptVersion
		if err := rows.Scan(&pv.Version, &pv.Sequential, &pv.ContentHash, &pv.CreatedAt, &pv.FilePath); err != nil {
			return nil, err
		}
		out = append(out, &pv)
	}
	return out, rows.Err()
}

// RecordEffectiveness appends a measurement window for a deployed prompt
// version's effectiveness. Idempotent per (insightId, promptVersion): a
// second measurement for the same pair replaces the first.
func (db *DB) RecordEffectiveness(pe *PromptEffectiveness) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return withRetry("recordEffectiveness", func() error {
		_, err := db.conn.Exec(`INSERT INTO prompt_effectiveness (
			id, insight_id, prompt_version,
			before_occurrences, before_severity, before_start, before_end,
			after_occurrences, after_severity, after_start, after_end,
			improvement_pct, statistically_significant, sessions_before, sessions_after, measured_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(insight_id, prompt_version) DO UPDATE SET
			after_occurrences=excluded.after_occurrences, after_severity=excluded.after_severity,
			after_start=excluded.after_start, after_end=excluded.after_end,
			improvement_pct=excluded.improvement_pct, statistically_significant=excluded.statistically_significant,
			sessions_after=excluded.sessions_after, measured_at=excluded.measured_at`,
			pe.ID, pe.InsightID, pe.PromptVersion,
			pe.Before.Occurrences, string(pe.Before.Severity), pe.Before.Start, pe.Before.End,
			pe.After.Occurrences, string(pe.After.Severity), pe.After.Start, pe.After.End,
			pe.ImprovementPct, boolToInt(pe.StatisticallySignificant), pe.SessionsBefore, pe.SessionsAfter, pe.MeasuredAt,
		)
		return err
	})
}

// EffectivenessForInsight returns all recorded measurement windows for an
// insight, newest first.
func (db *DB) EffectivenessForInsight(insightID string) ([]*PromptEffectiveness, error) {
	rows, err := db.conn.Query(`SELECT id, insight_id, prompt_version,
		before_occurrences, before_severity, before_start, before_end,
		after_occurrences, after_severity, after_start, after_end,
		improvement_pct, statistically_significant, sessions_before, sessions_after, measured_at
		FROM prompt_effectiveness WHERE insight_id = ? ORDER BY measured_at DESC`, insightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PromptEffectiveness
	for rows.Next() {
		var pe PromptEffectiveness
		var significant int
		if err := rows.Scan(&pe.ID, &pe.InsightID, &pe.PromptVersion,
			&pe.Before.Occurrences, &pe.Before.Severity, &pe.Before.Start, &pe.Before.End,
			&pe.After.Occurrences, &pe.After.Severity, &pe.After.Start, &pe.After.End,
			&pe.ImprovementPct, &significant, &pe.SessionsBefore, &pe.SessionsAfter, &pe.MeasuredAt); err != nil {
			return nil, err
		}
		pe.StatisticallySignificant = significant != 0
		out = append(out, &pe)
	}
	return out, rows.Err()
}
