package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/phuslu/log"
	"github.com/timshannon/badgerhold/v4"

	"github.com/commission-vm/model"
)

const conflictRetries = 5

// Badger is an embedded Store on badgerhold.
type Badger struct {
	db     *badgerhold.Store
	logger *log.Logger
}

// OpenBadger opens (creating if needed) the database directory at path.
func OpenBadger(path string, logger *log.Logger) (*Badger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	logger.Debug().Str("path", path).Msg("badger store opened")
	return &Badger{db: db, logger: logger}, nil
}

func (b *Badger) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (b *Badger) update(fn func(tx *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = b.db.Badger().Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *Badger) CreateJob(_ context.Context, job *model.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Status == "" {
		job.Status = model.StatusWaiting
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt
	if err := b.db.Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (b *Badger) GetJob(_ context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := b.db.Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, notFound("job", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (b *Badger) WaitingJobs(_ context.Context, userID string) ([]*model.Job, error) {
	var jobs []model.Job
	query := badgerhold.Where("UserID").Eq(userID).And("Status").Eq(model.StatusWaiting).SortBy("CreatedAt")
	if err := b.db.Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	out := make([]*model.Job, len(jobs))
	for i := range jobs {
		out[i] = &jobs[i]
	}
	return out, nil
}

func (b *Badger) UpdateJobStatus(_ context.Context, id string, u model.StatusUpdate) error {
	return b.update(func(tx *badger.Txn) error {
		var job model.Job
		if err := b.db.TxGet(tx, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return notFound("job", id)
			}
			return err
		}
		if !model.CanTransition(job.Status, u.Status) {
			return invalidTransition(id, job.Status, u.Status)
		}
		applyUpdate(&job, u)
		job.UpdatedAt = time.Now()
		return b.db.TxUpdate(tx, id, &job)
	})
}

func (b *Badger) Credential(_ context.Context, userID, siteID string) (model.Credential, error) {
	var c model.Credential
	key := credentialKey(userID, siteID)
	if err := b.db.Get(key, &c); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return c, notFound("credential", key)
		}
		return c, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

func (b *Badger) PutCredential(_ context.Context, c model.Credential) error {
	return b.db.Upsert(credentialKey(c.UserID, c.SiteID), &c)
}

func openOtpQuery(jobID string) *badgerhold.Query {
	return badgerhold.Where("JobID").Eq(jobID).And("Status").In(model.OtpWaiting, model.OtpSubmitted)
}

func (b *Badger) CreateOtpRequest(_ context.Context, req *model.OtpRequest) error {
	now := time.Now()
	req.Status = model.OtpWaiting
	req.CreatedAt, req.UpdatedAt = now, now
	return b.update(func(tx *badger.Txn) error {
		var open []model.OtpRequest
		if err := b.db.TxFind(tx, &open, openOtpQuery(req.JobID)); err != nil {
			return err
		}
		for i := range open {
			open[i].Status = model.OtpTimeout
			open[i].UpdatedAt = now
			if err := b.db.TxUpdate(tx, open[i].ID, &open[i]); err != nil {
				return err
			}
		}
		return b.db.TxInsert(tx, req.ID, req)
	})
}

func (b *Badger) GetOtpRequest(_ context.Context, id string) (*model.OtpRequest, error) {
	var r model.OtpRequest
	if err := b.db.Get(id, &r); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, notFound("otp request", id)
		}
		return nil, err
	}
	return &r, nil
}

func (b *Badger) SubmitOtp(_ context.Context, jobID, siteID, code string) (*model.OtpRequest, error) {
	var out *model.OtpRequest
	err := b.update(func(tx *badger.Txn) error {
		var open []model.OtpRequest
		query := openOtpQuery(jobID).And("SiteID").Eq(siteID).SortBy("CreatedAt").Reverse()
		if err := b.db.TxFind(tx, &open, query); err != nil {
			return err
		}
		if len(open) == 0 {
			return notFound("open otp request for job", jobID)
		}
		r := open[0]
		r.Status = model.OtpSubmitted
		r.Code = code
		r.UpdatedAt = time.Now()
		out = &r
		return b.db.TxUpdate(tx, r.ID, &r)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) ConsumeOtp(_ context.Context, id string) (string, bool, error) {
	var code string
	err := b.update(func(tx *badger.Txn) error {
		code = ""
		var r model.OtpRequest
		if err := b.db.TxGet(tx, id, &r); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return notFound("otp request", id)
			}
			return err
		}
		if r.Status != model.OtpSubmitted || r.Code == "" {
			return nil
		}
		r.Status = model.OtpConsumed
		r.UpdatedAt = time.Now()
		code = r.Code
		return b.db.TxUpdate(tx, id, &r)
	})
	if err != nil {
		return "", false, err
	}
	return code, code != "", nil
}

func (b *Badger) CloseOtpRequest(_ context.Context, id string, status model.OtpStatus) error {
	return b.update(func(tx *badger.Txn) error {
		var r model.OtpRequest
		if err := b.db.TxGet(tx, id, &r); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return notFound("otp request", id)
			}
			return err
		}
		if !r.Open() {
			return nil
		}
		r.Status = status
		r.UpdatedAt = time.Now()
		return b.db.TxUpdate(tx, id, &r)
	})
}

func (b *Badger) PendingOtpRequests(_ context.Context) ([]*model.OtpRequest, error) {
	return b.findOtp(badgerhold.Where("Status").Eq(model.OtpWaiting).SortBy("CreatedAt"))
}

func (b *Badger) OtpRequestsForJob(_ context.Context, jobID string) ([]*model.OtpRequest, error) {
	return b.findOtp(badgerhold.Where("JobID").Eq(jobID).SortBy("CreatedAt"))
}

func (b *Badger) findOtp(query *badgerhold.Query) ([]*model.OtpRequest, error) {
	var rows []model.OtpRequest
	if err := b.db.Find(&rows, query); err != nil {
		return nil, fmt.Errorf("failed to list otp requests: %w", err)
	}
	out := make([]*model.OtpRequest, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}
