package postgres

// SQL for spill run storage. Runs are immutable once written.

const (
	// queryInsertSpillRun stores one run. ON CONFLICT DO NOTHING reports a
	// rewritten sequence number as zero affected rows.
	queryInsertSpillRun = `
		INSERT INTO spill_runs (spill_id, seq, position_count, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (spill_id, seq) DO NOTHING
	`

	querySelectSpillRuns = `
		SELECT seq, position_count, payload
		FROM spill_runs
		WHERE spill_id = $1
		ORDER BY seq ASC
	`

	queryDeleteSpillRuns = `DELETE FROM spill_runs WHERE spill_id = $1`

	// queryStaleSpills selects spills whose newest run is older than $1.
	// Spills are swept whole.
	queryStaleSpills = `SELECT spill_id FROM spill_runs GROUP BY spill_id HAVING MAX(created_at) < $1`

	queryCountSpillRunsBefore = `SELECT COUNT(*) FROM spill_runs WHERE spill_id IN (` + queryStaleSpills + `)`

	queryDeleteSpillRunsBefore = `DELETE FROM spill_runs WHERE spill_id IN (` + queryStaleSpills + `)`

	querySpillTableExists = `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = 'spill_runs'
		)
	`
)
