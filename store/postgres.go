package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phuslu/log"

	"github.com/commission-vm/model"
)

//go:embed schema.sql
var schema string

const (
	jobColumns = `id, user_id, site_id, month, status, COALESCE(file_url, ''), COALESCE(error_message, ''), created_at, updated_at`
	otpColumns = `id, job_id, site_id, COALESCE(site_name, ''), status, COALESCE(otp, ''), COALESCE(phone_last_digits, ''), created_at, updated_at`
)

// Postgres is the shared Store used when several workers serve one queue.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// OpenPostgres connects a pool to dsn.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, logger *log.Logger) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		pc.MaxConns = maxConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "commission-vm"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info().Str("host", pc.ConnConfig.Host).Msg("postgres store connected")
	return &Postgres{pool: pool, logger: logger}, nil
}

// Migrate creates the tables if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.UserID, &j.SiteID, &j.Month, &j.Status, &j.FileURL, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanOtp(row rowScanner) (*model.OtpRequest, error) {
	var r model.OtpRequest
	err := row.Scan(&r.ID, &r.JobID, &r.SiteID, &r.SiteName, &r.Status, &r.Code, &r.PhoneLastDigits, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) CreateJob(ctx context.Context, job *model.Job) error {
	if job.Status == "" {
		job.Status = model.StatusWaiting
	}
	row := p.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, user_id, site_id, month, status) VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at`,
		job.ID, job.UserID, job.SiteID, job.Month, string(job.Status))
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("job", id)
	}
	return j, err
}

func (p *Postgres) WaitingJobs(ctx context.Context, userID string) ([]*model.Job, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND status = $2 ORDER BY created_at ASC`,
		userID, string(model.StatusWaiting))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func statusStrings(in []model.JobStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (p *Postgres) UpdateJobStatus(ctx context.Context, id string, u model.StatusUpdate) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE jobs SET status = $2,
			file_url = COALESCE(NULLIF($3, ''), file_url),
			error_message = COALESCE(NULLIF($4, ''), error_message),
			updated_at = now()
		 WHERE id = $1 AND status = ANY($5)`,
		id, string(u.Status), u.FileURL, u.ErrorMessage, statusStrings(model.AllowedFrom(u.Status)))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := p.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return invalidTransition(id, current.Status, u.Status)
}

func (p *Postgres) Credential(ctx context.Context, userID, siteID string) (model.Credential, error) {
	c := model.Credential{UserID: userID, SiteID: siteID}
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(username, ''), COALESCE(password, ''), COALESCE(id_number, ''), COALESCE(license, ''),
			COALESCE(phone, ''), COALESCE(email, ''), COALESCE(agency, ''), needs_otp
		 FROM user_insur_vendors WHERE user_id = $1 AND site_id = $2`,
		userID, siteID).Scan(&c.Username, &c.Password, &c.ID, &c.License, &c.Phone, &c.Email, &c.Agency, &c.NeedsOTP)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, notFound("credential", credentialKey(userID, siteID))
	}
	return c, err
}

func (p *Postgres) PutCredential(ctx context.Context, c model.Credential) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO user_insur_vendors (user_id, site_id, username, password, id_number, license, phone, email, agency, needs_otp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id, site_id) DO UPDATE SET
			username = EXCLUDED.username, password = EXCLUDED.password, id_number = EXCLUDED.id_number,
			license = EXCLUDED.license, phone = EXCLUDED.phone, email = EXCLUDED.email,
			agency = EXCLUDED.agency, needs_otp = EXCLUDED.needs_otp`,
		c.UserID, c.SiteID, c.Username, c.Password, c.ID, c.License, c.Phone, c.Email, c.Agency, c.NeedsOTP)
	return err
}

func (p *Postgres) CreateOtpRequest(ctx context.Context, req *model.OtpRequest) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE otp_requests SET status = 'timeout', updated_at = now() WHERE job_id = $1 AND status IN ('waiting', 'submitted')`,
		req.JobID); err != nil {
		return fmt.Errorf("supersede otp requests: %w", err)
	}
	req.Status = model.OtpWaiting
	if err := tx.QueryRow(ctx,
		`INSERT INTO otp_requests (id, job_id, site_id, site_name, status, phone_last_digits)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at, updated_at`,
		req.ID, req.JobID, req.SiteID, req.SiteName, string(req.Status), req.PhoneLastDigits,
	).Scan(&req.CreatedAt, &req.UpdatedAt); err != nil {
		return fmt.Errorf("insert otp request: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetOtpRequest(ctx context.Context, id string) (*model.OtpRequest, error) {
	r, err := scanOtp(p.pool.QueryRow(ctx, `SELECT `+otpColumns+` FROM otp_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("otp request", id)
	}
	return r, err
}

func (p *Postgres) SubmitOtp(ctx context.Context, jobID, siteID, code string) (*model.OtpRequest, error) {
	r, err := scanOtp(p.pool.QueryRow(ctx,
		`UPDATE otp_requests SET status = 'submitted', otp = $3, updated_at = now()
		 WHERE id = (
			SELECT id FROM otp_requests
			WHERE job_id = $1 AND site_id = $2 AND status IN ('waiting', 'submitted')
			ORDER BY created_at DESC LIMIT 1)
		 RETURNING `+otpColumns,
		jobID, siteID, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("open otp request for job", jobID)
	}
	return r, err
}

func (p *Postgres) ConsumeOtp(ctx context.Context, id string) (string, bool, error) {
	var code string
	err := p.pool.QueryRow(ctx,
		`UPDATE otp_requests SET status = 'consumed', updated_at = now()
		 WHERE id = $1 AND status = 'submitted' AND COALESCE(otp, '') <> ''
		 RETURNING otp`, id).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("consume otp: %w", err)
	}
	return code, true, nil
}

func (p *Postgres) CloseOtpRequest(ctx context.Context, id string, status model.OtpStatus) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE otp_requests SET status = $2, updated_at = now() WHERE id = $1 AND status IN ('waiting', 'submitted')`,
		id, string(status))
	return err
}

func (p *Postgres) PendingOtpRequests(ctx context.Context) ([]*model.OtpRequest, error) {
	return p.queryOtp(ctx, `SELECT `+otpColumns+` FROM otp_requests WHERE status = 'waiting' ORDER BY created_at`)
}

func (p *Postgres) OtpRequestsForJob(ctx context.Context, jobID string) ([]*model.OtpRequest, error) {
	return p.queryOtp(ctx, `SELECT `+otpColumns+` FROM otp_requests WHERE job_id = $1 ORDER BY created_at`, jobID)
}

func (p *Postgres) queryOtp(ctx context.Context, sql string, args ...any) ([]*model.OtpRequest, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list otp requests: %w", err)
	}
	defer rows.Close()
	var out []*model.OtpRequest
	for rows.Next() {
		r, err := scanOtp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
