// Package runner drains a user's waiting jobs through the session orchestrator, one at a time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/logging"
	"github.com/commission-vm/model"
	"github.com/commission-vm/obs"
	"github.com/commission-vm/session"
	"github.com/commission-vm/sites"
	"github.com/commission-vm/store"
)

// ErrBusy is returned when another batch already holds the user's queue.
var ErrBusy = errors.New("batch already running for user")

// Executor runs one session.
type Executor interface {
	Execute(ctx context.Context, run session.Run) (*session.Result, error)
}

type Runner struct {
	Jobs store.JobStore
	// Otps, when set, is checked before a job is marked done.
	Otps store.OtpStore
	// Credentials is the batch credential source.
	Credentials store.CredentialSource
	Sites       *sites.Catalog
	Session     Executor
	Locker      Locker
	Notifier    session.Notifier
	Logger      *log.Logger
	HandleOTP   bool
	LockTTL     time.Duration

	// mu keeps one browsing context per process.
	mu sync.Mutex
}

// BatchResult counts a drained queue. Errors is keyed by job id.
type BatchResult struct {
	UserID string
	Total  int
	Done   int
	Failed int
	Errors map[string]error
}

// AdHocResult is what a single run reports back.
type AdHocResult struct {
	Success bool   `json:"success"`
	FileURL string `json:"fileUrl"`
	Site    string `json:"site"`
	Month   string `json:"month"`
}

func (r *Runner) logger() *log.Logger {
	return logging.Component(r.Logger, "runner")
}

// RunBatch processes the user's waiting jobs oldest first. A failing job is recorded and the
// batch moves on; only queue-level failures are returned.
func (r *Runner) RunBatch(ctx context.Context, userID string) (*BatchResult, error) {
	logger := logging.With(r.logger(), "user_id", userID)
	if r.Locker != nil {
		release, ok, err := r.Locker.Acquire(ctx, "batch:"+userID, r.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire batch lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("user %s: %w", userID, ErrBusy)
		}
		defer release()
	}

	jobs, err := r.Jobs.WaitingJobs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list waiting jobs: %w", err)
	}
	res := &BatchResult{UserID: userID, Total: len(jobs), Errors: map[string]error{}}
	logger.Info().Int("jobs", len(jobs)).Msg("starting batch")

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := r.process(ctx, job, r.Credentials, runOptions{handleOTP: r.HandleOTP}); err != nil {
			res.Failed++
			res.Errors[job.ID] = err
			logger.Error().Err(err).Str("job_id", job.ID).Str("site", job.SiteID).Msg("job failed, continuing")
			continue
		}
		res.Done++
	}
	logger.Info().Int("done", res.Done).Int("failed", res.Failed).Msg("batch finished")
	return res, nil
}

// RunAdHoc runs one ephemeral job built from in. Errors are returned to the caller.
func (r *Runner) RunAdHoc(ctx context.Context, in Input, creds store.CredentialSource) (*AdHocResult, error) {
	job := model.NewEphemeralJob(in.UserID, in.SiteID, in.Month, time.Now())
	out := &AdHocResult{Site: in.SiteID, Month: in.Month}
	url, err := r.process(ctx, job, creds, runOptions{handleOTP: in.HandleOTP, otp: in.OTP})
	if err != nil {
		return out, err
	}
	out.Success, out.FileURL = true, url
	r.logger().Info().Str("site", out.Site).Str("month", out.Month).Str("url", out.FileURL).Msg("ad-hoc run finished")
	return out, nil
}

// runOptions carries the per-run OTP settings into the session.
type runOptions struct {
	handleOTP bool
	otp       string
}

func (r *Runner) process(ctx context.Context, job *model.Job, creds store.CredentialSource, opts runOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	url, err := r.processLocked(ctx, job, creds, opts)
	obs.RecordJob(job.SiteID, start, err)
	return url, err
}

func (r *Runner) processLocked(ctx context.Context, job *model.Job, creds store.CredentialSource, opts runOptions) (string, error) {
	site, err := r.Sites.Get(job.SiteID)
	if err != nil {
		return "", r.failBeforeSession(ctx, job, err)
	}
	if creds == nil {
		return "", r.failBeforeSession(ctx, job, apperr.Credential("resolve credentials", "no credential source configured"))
	}
	cred, err := creds.Credential(ctx, job.UserID, job.SiteID)
	if err != nil {
		return "", r.failBeforeSession(ctx, job, apperr.Wrapf(apperr.KindCredential, "resolve credentials", err, "site %s", job.SiteID))
	}

	res, err := r.Session.Execute(ctx, session.Run{Job: job, Site: site, Cred: cred, HandleOTP: opts.handleOTP, OTP: opts.otp})
	if err != nil {
		return "", err
	}

	if err := r.ensureNoOpenOtp(ctx, job); err != nil {
		return "", r.failBeforeSession(ctx, job, err)
	}
	if err := r.writeStatus(ctx, job, model.StatusUpdate{Status: model.StatusDone, FileURL: res.FileURL}); err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "mark job done", err)
	}
	return res.FileURL, nil
}

// ensureNoOpenOtp keeps a job from reaching done while one of its OTP requests is unconsumed.
func (r *Runner) ensureNoOpenOtp(ctx context.Context, job *model.Job) error {
	if r.Otps == nil || job.Ephemeral() {
		return nil
	}
	reqs, err := r.Otps.OtpRequestsForJob(ctx, job.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "check otp requests", err)
	}
	for _, req := range reqs {
		if req.Open() {
			return apperr.OTPRejected("complete job", "OTP request %s is still %s", req.ID, req.Status)
		}
	}
	return nil
}

// failBeforeSession records errors raised outside the orchestrator, which persists its own.
func (r *Runner) failBeforeSession(ctx context.Context, job *model.Job, err error) error {
	if werr := r.writeStatus(context.WithoutCancel(ctx), job, model.StatusUpdate{Status: model.StatusError, ErrorMessage: err.Error()}); werr != nil {
		r.logger().Error().Err(werr).Str("job_id", job.ID).Msg("failed to persist job error")
	}
	return err
}

func (r *Runner) writeStatus(ctx context.Context, job *model.Job, u model.StatusUpdate) error {
	if err := store.WriteStatus(ctx, r.Jobs, job.ID, u); err != nil {
		return err
	}
	job.Status = u.Status
	job.FileURL = model.FirstNonEmpty(u.FileURL, job.FileURL)
	job.ErrorMessage = model.FirstNonEmpty(u.ErrorMessage, job.ErrorMessage)
	if r.Notifier != nil {
		r.Notifier.JobStatus(*job)
	}
	return nil
}
