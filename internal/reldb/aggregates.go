package reldb

import (
	"context"
	"database/sql"
	"fmt"
)

// JobAggregate is the time booked against one job across time entries and
// committed amendments.
type JobAggregate struct {
	Job               string
	TotalHours        float64
	LastTimeEntryDate string
	EntryCount        int
}

// HasTimeEntries reports whether any time was booked to the job.
func (a JobAggregate) HasTimeEntries() bool {
	return a.EntryCount > 0
}

// JobAggregates returns per-job totals ordered by job. Only jobs with at
// least one entry are returned.
func (db *DB) JobAggregates(ctx context.Context) ([]JobAggregate, error) {
	query := `
	SELECT job, SUM(job_hours), MAX(date), COUNT(*)
	FROM (
		SELECT job, job_hours, date FROM time_entries
		WHERE job IS NOT NULL AND job != ''
		UNION ALL
		SELECT job, job_hours, date FROM time_amendments
		WHERE job IS NOT NULL AND job != ''
	)
	GROUP BY job
	ORDER BY job
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query job aggregates: %w", err)
	}
	defer rows.Close()

	var out []JobAggregate
	for rows.Next() {
		var a JobAggregate
		var total sql.NullFloat64
		var last sql.NullString
		if err := rows.Scan(&a.Job, &total, &last, &a.EntryCount); err != nil {
			return nil, fmt.Errorf("failed to scan job aggregate: %w", err)
		}
		a.TotalHours = total.Float64
		a.LastTimeEntryDate = last.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job aggregates: %w", err)
	}
	return out, nil
}
