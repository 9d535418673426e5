package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/commission-vm/model"
)

// Memory is a process-local Store for tests and one-off runs.
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]model.Job
	creds map[string]model.Credential
	otps  map[string]model.OtpRequest
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:  map[string]model.Job{},
		creds: map[string]model.Credential{},
		otps:  map[string]model.OtpRequest{},
		now:   time.Now,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == "" {
		job.Status = model.StatusWaiting
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = *job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, notFound("job", id)
	}
	return &j, nil
}

func (m *Memory) WaitingJobs(_ context.Context, userID string) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if j.UserID == userID && j.Status == model.StatusWaiting {
			j := j
			out = append(out, &j)
		}
	}
	slices.SortFunc(out, func(a, b *model.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id string, u model.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return notFound("job", id)
	}
	if !model.CanTransition(j.Status, u.Status) {
		return invalidTransition(id, j.Status, u.Status)
	}
	applyUpdate(&j, u)
	j.UpdatedAt = m.now()
	m.jobs[id] = j
	return nil
}

func (m *Memory) Credential(_ context.Context, userID, siteID string) (model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[credentialKey(userID, siteID)]
	if !ok {
		return model.Credential{}, notFound("credential", credentialKey(userID, siteID))
	}
	return c, nil
}

func (m *Memory) PutCredential(_ context.Context, c model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[credentialKey(c.UserID, c.SiteID)] = c
	return nil
}

func (m *Memory) CreateOtpRequest(_ context.Context, req *model.OtpRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, r := range m.otps {
		if r.JobID == req.JobID && r.Open() {
			r.Status = model.OtpTimeout
			r.UpdatedAt = now
			m.otps[id] = r
		}
	}
	req.Status = model.OtpWaiting
	req.CreatedAt, req.UpdatedAt = now, now
	m.otps[req.ID] = *req
	return nil
}

func (m *Memory) GetOtpRequest(_ context.Context, id string) (*model.OtpRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.otps[id]
	if !ok {
		return nil, notFound("otp request", id)
	}
	return &r, nil
}

func (m *Memory) SubmitOtp(_ context.Context, jobID, siteID, code string) (*model.OtpRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *model.OtpRequest
	for _, r := range m.otps {
		if r.JobID == jobID && r.SiteID == siteID && r.Open() {
			if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
				r := r
				newest = &r
			}
		}
	}
	if newest == nil {
		return nil, notFound("open otp request for job", jobID)
	}
	newest.Status = model.OtpSubmitted
	newest.Code = code
	newest.UpdatedAt = m.now()
	m.otps[newest.ID] = *newest
	return newest, nil
}

func (m *Memory) ConsumeOtp(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.otps[id]
	if !ok {
		return "", false, notFound("otp request", id)
	}
	if r.Status != model.OtpSubmitted || r.Code == "" {
		return "", false, nil
	}
	r.Status = model.OtpConsumed
	r.UpdatedAt = m.now()
	m.otps[id] = r
	return r.Code, true, nil
}

func (m *Memory) CloseOtpRequest(_ context.Context, id string, status model.OtpStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.otps[id]
	if !ok {
		return notFound("otp request", id)
	}
	if r.Open() {
		r.Status = status
		r.UpdatedAt = m.now()
		m.otps[id] = r
	}
	return nil
}

func (m *Memory) PendingOtpRequests(_ context.Context) ([]*model.OtpRequest, error) {
	return m.filterOtp(func(r model.OtpRequest) bool { return r.Status == model.OtpWaiting }), nil
}

func (m *Memory) OtpRequestsForJob(_ context.Context, jobID string) ([]*model.OtpRequest, error) {
	return m.filterOtp(func(r model.OtpRequest) bool { return r.JobID == jobID }), nil
}

func (m *Memory) filterOtp(keep func(model.OtpRequest) bool) []*model.OtpRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OtpRequest
	for _, r := range m.otps {
		if keep(r) {
			r := r
			out = append(out, &r)
		}
	}
	slices.SortFunc(out, func(a, b *model.OtpRequest) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}
