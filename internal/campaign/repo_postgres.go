package campaign

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callaudit-engine/pkg/utils"
)

// PostgresStore persists campaigns in two tables:
//
//	campaigns(id, workspace_id, name, status, pause_reason, rpm,
//	          failure_threshold_percent, total_jobs, completed_jobs,
//	          failed_jobs, last_job_started_at, created_at, started_at,
//	          completed_at, updated_at)
//	campaign_jobs(id, campaign_id, position, audio_url, agent_name, call_id,
//	              status, audit_id, error, attempts, created_at, updated_at)
//
// position preserves insertion order (= dispatch priority order). Save writes
// the campaign row and upserts every job row in one transaction, which keeps
// the counter invariants and the job list consistent on crash.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *Campaign) error {
	if c.ID == "" || c.WorkspaceID == "" {
		return ErrInvalidArgument
	}
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
			INSERT INTO campaigns (
				id, workspace_id, name, status, pause_reason, rpm,
				failure_threshold_percent, total_jobs, completed_jobs,
				failed_jobs, last_job_started_at, created_at, started_at,
				completed_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`
		_, err := tx.ExecContext(ctx, q,
			c.ID, c.WorkspaceID, c.Name, c.Status, string(c.PauseReason),
			c.Config.RPM, c.Config.FailureThresholdPercent,
			c.TotalJobs, c.CompletedJobs, c.FailedJobs,
			nullTime(c.Usage.LastJobStartedAt), c.CreatedAt,
			nullTime(c.StartedAt), nullTime(c.CompletedAt), c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("campaign: insert campaign: %w", err)
		}
		return upsertJobs(ctx, tx, c)
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Campaign, error) {
	const q = `
		SELECT id, workspace_id, name, status, pause_reason, rpm,
		       failure_threshold_percent, total_jobs, completed_jobs,
		       failed_jobs, last_job_started_at, created_at, started_at,
		       completed_at, updated_at
		FROM campaigns WHERE id = $1
	`
	var (
		c                Campaign
		pauseReason      string
		lastJobStartedAt sql.NullTime
		startedAt        sql.NullTime
		completedAt      sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&c.ID, &c.WorkspaceID, &c.Name, &c.Status, &pauseReason,
		&c.Config.RPM, &c.Config.FailureThresholdPercent,
		&c.TotalJobs, &c.CompletedJobs, &c.FailedJobs,
		&lastJobStartedAt, &c.CreatedAt, &startedAt, &completedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("campaign: get campaign: %w", err)
	}
	c.PauseReason = PauseReason(pauseReason)
	c.Usage.LastJobStartedAt = timePtr(lastJobStartedAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)

	jobs, err := s.loadJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Jobs = jobs
	return &c, nil
}

func (s *PostgresStore) loadJobs(ctx context.Context, campaignID string) ([]Job, error) {
	const q = `
		SELECT id, audio_url, agent_name, call_id, status, audit_id, error,
		       attempts, created_at, updated_at
		FROM campaign_jobs WHERE campaign_id = $1 ORDER BY position
	`
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign: load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(
			&j.ID, &j.AudioURL, &j.AgentName, &j.CallID, &j.Status,
			&j.AuditID, &j.Error, &j.Attempts, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("campaign: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) Save(ctx context.Context, c *Campaign) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
			UPDATE campaigns SET
				name = $2, status = $3, pause_reason = $4, rpm = $5,
				failure_threshold_percent = $6, total_jobs = $7,
				completed_jobs = $8, failed_jobs = $9,
				last_job_started_at = $10, started_at = $11,
				completed_at = $12, updated_at = $13
			WHERE id = $1
		`
		res, err := tx.ExecContext(ctx, q,
			c.ID, c.Name, c.Status, string(c.PauseReason),
			c.Config.RPM, c.Config.FailureThresholdPercent,
			c.TotalJobs, c.CompletedJobs, c.FailedJobs,
			nullTime(c.Usage.LastJobStartedAt),
			nullTime(c.StartedAt), nullTime(c.CompletedAt), c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("campaign: update campaign: %w", err)
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return ErrNotFound
		}
		return upsertJobs(ctx, tx, c)
	})
}

func upsertJobs(ctx context.Context, tx *sql.Tx, c *Campaign) error {
	const q = `
		INSERT INTO campaign_jobs (
			id, campaign_id, position, audio_url, agent_name, call_id,
			status, audit_id, error, attempts, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			position = EXCLUDED.position,
			status = EXCLUDED.status,
			audit_id = EXCLUDED.audit_id,
			error = EXCLUDED.error,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at
	`
	for i, j := range c.Jobs {
		if _, err := tx.ExecContext(ctx, q,
			j.ID, c.ID, i, j.AudioURL, j.AgentName, j.CallID,
			j.Status, j.AuditID, j.Error, j.Attempts, j.CreatedAt, j.UpdatedAt,
		); err != nil {
			return fmt.Errorf("campaign: upsert job %s: %w", j.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM campaigns WHERE status = $1 ORDER BY created_at`, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("campaign: list active: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("campaign: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	out := t.Time
	return &out
}

var _ Store = (*PostgresStore)(nil)
