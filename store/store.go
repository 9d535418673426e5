// Package store persists jobs, vendor credentials and OTP requests.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/commission-vm/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// JobStore is the persisted job queue.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// WaitingJobs returns the user's waiting jobs, oldest first.
	WaitingJobs(ctx context.Context, userID string) ([]*model.Job, error)
	// UpdateJobStatus applies u if the job's current status allows it, else ErrInvalidTransition.
	UpdateJobStatus(ctx context.Context, id string, u model.StatusUpdate) error
}

// CredentialSource resolves login material for (user, site).
type CredentialSource interface {
	Credential(ctx context.Context, userID, siteID string) (model.Credential, error)
}

type CredentialStore interface {
	CredentialSource
	PutCredential(ctx context.Context, c model.Credential) error
}

// OtpStore holds OTP requests for the persisted-record exchange.
type OtpStore interface {
	// CreateOtpRequest inserts req as waiting and times out any other open request of the same job.
	CreateOtpRequest(ctx context.Context, req *model.OtpRequest) error
	GetOtpRequest(ctx context.Context, id string) (*model.OtpRequest, error)
	// SubmitOtp stores code on the newest open request of (job, site). Re-submitting before
	// consumption replaces the code.
	SubmitOtp(ctx context.Context, jobID, siteID, code string) (*model.OtpRequest, error)
	// ConsumeOtp flips a submitted request to consumed and returns its code. ok is false when
	// the request is not in submitted state.
	ConsumeOtp(ctx context.Context, id string) (code string, ok bool, err error)
	// CloseOtpRequest sets status on a request that is still open.
	CloseOtpRequest(ctx context.Context, id string, status model.OtpStatus) error
	PendingOtpRequests(ctx context.Context) ([]*model.OtpRequest, error)
	OtpRequestsForJob(ctx context.Context, jobID string) ([]*model.OtpRequest, error)
}

// Store is a full backend.
type Store interface {
	JobStore
	CredentialStore
	OtpStore
	Close() error
}

func credentialKey(userID, siteID string) string {
	return userID + "/" + siteID
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func invalidTransition(id string, from, to model.JobStatus) error {
	return fmt.Errorf("job %s %s -> %s: %w", id, from, to, ErrInvalidTransition)
}

// WriteStatus updates the job row. Ephemeral ids have no row and are skipped.
func WriteStatus(ctx context.Context, jobs JobStore, id string, u model.StatusUpdate) error {
	if model.IsEphemeralID(id) || jobs == nil {
		return nil
	}
	return jobs.UpdateJobStatus(ctx, id, u)
}

func applyUpdate(job *model.Job, u model.StatusUpdate) {
	job.Status = u.Status
	if u.FileURL != "" {
		job.FileURL = u.FileURL
	}
	if u.ErrorMessage != "" {
		job.ErrorMessage = u.ErrorMessage
	}
}
