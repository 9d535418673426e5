package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commission-vm/logging"
	"github.com/commission-vm/model"
	"github.com/commission-vm/store"
)

func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	out := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemory() },
		"badger": func(t *testing.T) store.Store {
			b, err := store.OpenBadger(filepath.Join(t.TempDir(), "jobs"), logging.Discard())
			require.NoError(t, err)
			return b
		},
	}
	if dsn := os.Getenv("CVM_TEST_DATABASE_URL"); dsn != "" {
		out["postgres"] = func(t *testing.T) store.Store {
			ctx := context.Background()
			p, err := store.OpenPostgres(ctx, dsn, 2, logging.Discard())
			require.NoError(t, err)
			require.NoError(t, p.Migrate(ctx))
			return p
		}
	}
	return out
}

func TestStores(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("waiting jobs oldest first", func(t *testing.T) { testWaitingJobs(t, open(t)) })
			t.Run("status transitions", func(t *testing.T) { testTransitions(t, open(t)) })
			t.Run("credentials", func(t *testing.T) { testCredentials(t, open(t)) })
			t.Run("otp consumed once", func(t *testing.T) { testOtpConsume(t, open(t)) })
			t.Run("otp supersede", func(t *testing.T) { testOtpSupersede(t, open(t)) })
		})
	}
}

func uniq(t *testing.T, id string) string {
	return id + "-" + model.NewOtpRequestID()[:8]
}

func testWaitingJobs(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	user := uniq(t, "u")
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"b", "a", "c"} {
		job := &model.Job{ID: uniq(t, id), UserID: user, SiteID: "clal", Month: "2024-05", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateJob(ctx, job))
	}
	other := &model.Job{ID: uniq(t, "x"), UserID: uniq(t, "other"), SiteID: "clal", Month: "2024-05"}
	require.NoError(t, s.CreateJob(ctx, other))

	jobs, err := s.WaitingJobs(ctx, user)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i := 1; i < len(jobs); i++ {
		assert.False(t, jobs[i].CreatedAt.Before(jobs[i-1].CreatedAt))
	}

	require.NoError(t, s.UpdateJobStatus(ctx, jobs[0].ID, model.StatusUpdate{Status: model.StatusRunning}))
	jobs, err = s.WaitingJobs(ctx, user)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func testTransitions(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	id := uniq(t, "j")
	require.NoError(t, s.CreateJob(ctx, &model.Job{ID: id, UserID: "u", SiteID: "harel", Month: "2024-05"}))

	err := s.UpdateJobStatus(ctx, id, model.StatusUpdate{Status: model.StatusDone})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	for _, st := range []model.JobStatus{model.StatusRunning, model.StatusOTP, model.StatusOTP} {
		require.NoError(t, s.UpdateJobStatus(ctx, id, model.StatusUpdate{Status: st}))
	}
	require.NoError(t, s.UpdateJobStatus(ctx, id, model.StatusUpdate{Status: model.StatusDone, FileURL: "https://files/x.xlsx"}))

	job, err := s.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, job.Status)
	assert.Equal(t, "https://files/x.xlsx", job.FileURL)

	err = s.UpdateJobStatus(ctx, id, model.StatusUpdate{Status: model.StatusError, ErrorMessage: "late"})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.GetJob(ctx, uniq(t, "missing"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCredentials(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	user := uniq(t, "u")
	no := false
	require.NoError(t, s.PutCredential(ctx, model.Credential{UserID: user, SiteID: "harel", Username: "agent", Password: "pw", NeedsOTP: &no}))

	c, err := s.Credential(ctx, user, "harel")
	require.NoError(t, err)
	assert.Equal(t, "agent", c.Username)
	assert.True(t, c.OptsOutOfOTP())

	_, err = s.Credential(ctx, user, "clal")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testOtpConsume(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	job := uniq(t, "j")
	req := &model.OtpRequest{ID: model.NewOtpRequestID(), JobID: job, SiteID: "harel", SiteName: "Harel"}
	require.NoError(t, s.CreateOtpRequest(ctx, req))

	_, ok, err := s.ConsumeOtp(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, ok, "nothing submitted yet")

	pending, err := s.PendingOtpRequests(ctx)
	require.NoError(t, err)
	assert.True(t, containsOtp(pending, req.ID))

	_, err = s.SubmitOtp(ctx, uniq(t, "other-job"), "harel", "000000")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.SubmitOtp(ctx, job, "harel", "123456")
	require.NoError(t, err)
	assert.Equal(t, model.OtpSubmitted, got.Status)

	code, ok, err := s.ConsumeOtp(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "123456", code)

	_, ok, err = s.ConsumeOtp(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a consumed code is not returned twice")

	r, err := s.GetOtpRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OtpConsumed, r.Status)
}

func testOtpSupersede(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	job := uniq(t, "j")
	first := &model.OtpRequest{ID: model.NewOtpRequestID(), JobID: job, SiteID: "harel"}
	require.NoError(t, s.CreateOtpRequest(ctx, first))
	second := &model.OtpRequest{ID: model.NewOtpRequestID(), JobID: job, SiteID: "harel"}
	require.NoError(t, s.CreateOtpRequest(ctx, second))

	r, err := s.GetOtpRequest(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OtpTimeout, r.Status)

	all, err := s.OtpRequestsForJob(ctx, job)
	require.NoError(t, err)
	open := 0
	for _, r := range all {
		if r.Open() {
			open++
		}
	}
	assert.Equal(t, 1, open)

	require.NoError(t, s.CloseOtpRequest(ctx, second.ID, model.OtpTimeout))
	_, err = s.SubmitOtp(ctx, job, "harel", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func containsOtp(list []*model.OtpRequest, id string) bool {
	for _, r := range list {
		if r.ID == id {
			return true
		}
	}
	return false
}

func TestMappingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`credentials:
  harel:
    username: agent
    password: pw
  yellin_lapidot:
    id: "123456789"
    phone: "0501234567"
    needs_otp: false
`), 0o600))

	m, err := store.LoadMappingFile(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"harel", "yellin_lapidot"}, m.Sites())

	c, err := m.Credential(context.Background(), "u1", "yellin_lapidot")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, "yellin_lapidot", c.SiteID)
	assert.Equal(t, "4567", c.PhoneLastDigits())
	assert.True(t, c.OptsOutOfOTP())

	_, err = m.Credential(context.Background(), "u1", "clal")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMappingFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"credentials": {"clal": {"username": "a", "password": "b"}}}`), 0o600))
	m, err := store.LoadMappingFile(path)
	require.NoError(t, err)
	c, err := m.Credential(context.Background(), "u", "clal")
	require.NoError(t, err)
	assert.Equal(t, "a", c.Username)
}

func TestWriteStatusSkipsEphemeral(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	assert.NoError(t, store.WriteStatus(ctx, m, "temp_1700000000000", model.StatusUpdate{Status: model.StatusRunning}))

	require.NoError(t, m.CreateJob(ctx, &model.Job{ID: "j1", UserID: "u"}))
	require.NoError(t, store.WriteStatus(ctx, m, "j1", model.StatusUpdate{Status: model.StatusRunning}))
	j, err := m.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, j.Status)
}
