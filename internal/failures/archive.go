package failures

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS failure_records (
	id         TEXT PRIMARY KEY,
	error_type TEXT NOT NULL,
	session_id TEXT,
	created_at TEXT NOT NULL,
	record     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failure_records_type ON failure_records(error_type);
CREATE INDEX IF NOT EXISTS idx_failure_records_created ON failure_records(created_at);
`

// ArchiveTo moves records older than the cutoff into a sqlite file and
// drops them from the hot index. Returns the number archived. Re-archiving
// the same record id overwrites the stored row.
func (ix *Index) ArchiveTo(ctx context.Context, path string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	ix.mu.Lock()
	var cold []*Record
	for _, rec := range ix.records {
		if rec.CreatedAt.Before(cutoff) {
			cold = append(cold, rec)
		}
	}
	ix.mu.Unlock()

	if len(cold) == 0 {
		return 0, nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, faults.Wrap(faults.CodeSaveFailed, err, "open archive").With("path", path)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, archiveSchema); err != nil {
		return 0, faults.Wrap(faults.CodeSaveFailed, err, "create archive schema")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, faults.Wrap(faults.CodeSaveFailed, err, "begin archive transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO failure_records (id, error_type, session_id, created_at, record)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, faults.Wrap(faults.CodeSaveFailed, err, "prepare archive insert")
	}
	defer stmt.Close()

	for _, rec := range cold {
		blob, err := json.Marshal(rec)
		if err != nil {
			return 0, faults.Wrap(faults.CodeSaveFailed, err, "encode record").With("record", rec.ID)
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.Context.ErrorType, rec.SessionID,
			rec.CreatedAt.Format(time.RFC3339Nano), string(blob)); err != nil {
			return 0, faults.Wrap(faults.CodeSaveFailed, err, "insert record").With("record", rec.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, faults.Wrap(faults.CodeSaveFailed, err, "commit archive")
	}

	// Drop exactly the archived records only after the commit succeeded;
	// anything added while the transaction ran stays in the hot index.
	archived := make(map[string]bool, len(cold))
	for _, rec := range cold {
		archived[rec.ID] = true
	}
	ix.mu.Lock()
	kept := make([]*Record, 0, len(ix.records))
	for _, rec := range ix.records {
		if !archived[rec.ID] {
			kept = append(kept, rec)
		}
	}
	ix.records = kept
	ix.mu.Unlock()

	logging.Failures("archived %d failure records to %s", len(cold), path)
	return len(cold), nil
}

// RestoreFrom loads every archived record back into the hot index, oldest
// first, subject to the index capacity. Returns the number restored.
func (ix *Index) RestoreFrom(ctx context.Context, path string) (int, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, faults.Wrap(faults.CodeLoadFailed, err, "open archive").With("path", path)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT record FROM failure_records ORDER BY created_at ASC`)
	if err != nil {
		return 0, faults.Wrap(faults.CodeLoadFailed, err, "query archive")
	}
	defer rows.Close()

	restored := 0
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return restored, faults.Wrap(faults.CodeLoadFailed, err, "scan archive row")
		}
		var rec Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			logging.Get(logging.CategoryFailures).Warn("skipping undecodable archived record: %v", err)
			continue
		}

		ix.mu.Lock()
		if len(ix.records) >= ix.maxRecords {
			ix.records = ix.records[1:]
		}
		ix.records = append(ix.records, &rec)
		ix.mu.Unlock()
		restored++
	}
	if err := rows.Err(); err != nil {
		return restored, faults.Wrap(faults.CodeLoadFailed, err, "iterate archive")
	}

	logging.Failures("restored %d failure records from %s", restored, path)
	return restored, nil
}
