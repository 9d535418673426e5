package runner_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/blob"
	"github.com/commission-vm/browser/browsertest"
	"github.com/commission-vm/model"
	"github.com/commission-vm/otp"
	"github.com/commission-vm/runner"
	"github.com/commission-vm/scrapers"
	"github.com/commission-vm/session"
	"github.com/commission-vm/sites"
	"github.com/commission-vm/store"
)

// fakeSession mimics the orchestrator's status writes without a browser.
type fakeSession struct {
	mu    sync.Mutex
	jobs  store.Store
	fail  map[string]error
	hook  func(run session.Run)
	order []string
}

func (f *fakeSession) Execute(ctx context.Context, run session.Run) (*session.Result, error) {
	f.mu.Lock()
	f.order = append(f.order, run.Job.ID)
	f.mu.Unlock()
	if err := store.WriteStatus(ctx, f.jobs, run.Job.ID, model.StatusUpdate{Status: model.StatusRunning}); err != nil {
		return nil, err
	}
	if f.hook != nil {
		f.hook(run)
	}
	if err := f.fail[run.Site.ID]; err != nil {
		_ = store.WriteStatus(ctx, f.jobs, run.Job.ID, model.StatusUpdate{Status: model.StatusError, ErrorMessage: err.Error()})
		return nil, err
	}
	return &session.Result{FileURL: "https://files.test/" + run.Job.ID + ".xlsx"}, nil
}

func seed(t *testing.T, s store.Store, user string, jobs ...model.Job) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := range jobs {
		j := jobs[i]
		j.UserID = user
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateJob(context.Background(), &j))
	}
}

func credsFor(t *testing.T, s store.Store, user string, siteIDs ...string) {
	t.Helper()
	for _, id := range siteIDs {
		require.NoError(t, s.PutCredential(context.Background(), model.Credential{UserID: user, SiteID: id, Username: "agent", Password: "pw"}))
	}
}

func newRunner(s store.Store, exec runner.Executor) *runner.Runner {
	return &runner.Runner{
		Jobs:        s,
		Otps:        s,
		Credentials: s,
		Sites:       sites.Default(),
		Session:     exec,
		Locker:      runner.NewLocalLocker(),
		HandleOTP:   true,
	}
}

func status(t *testing.T, s store.Store, id string) *model.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestRunBatchContinuesAfterFailure(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "u1",
		model.Job{ID: "j-old", SiteID: "harel", Month: "2025-01"},
		model.Job{ID: "j-mid", SiteID: "clal", Month: "2025-09"},
		model.Job{ID: "j-new", SiteID: "clal", Month: "2025-08"},
	)
	credsFor(t, s, "u1", "harel", "clal")
	exec := &fakeSession{jobs: s, fail: map[string]error{"harel": apperr.OTPTimeout("await otp", "OTP not provided within 3m0s")}}

	res, err := newRunner(s, exec).RunBatch(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Done)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, apperr.Is(res.Errors["j-old"], apperr.KindOTPTimeout))
	assert.Equal(t, []string{"j-old", "j-mid", "j-new"}, exec.order)

	assert.Equal(t, model.StatusError, status(t, s, "j-old").Status)
	assert.Contains(t, status(t, s, "j-old").ErrorMessage, "OTP not provided within")
	mid := status(t, s, "j-mid")
	assert.Equal(t, model.StatusDone, mid.Status)
	assert.Equal(t, "https://files.test/j-mid.xlsx", mid.FileURL)
}

func TestRunBatchIgnoresOtherUsersAndNonWaitingJobs(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "u1", model.Job{ID: "mine", SiteID: "clal", Month: "2025-09"})
	seed(t, s, "u2", model.Job{ID: "theirs", SiteID: "clal", Month: "2025-09"})
	seed(t, s, "u1", model.Job{ID: "started", SiteID: "clal", Month: "2025-09"})
	require.NoError(t, s.UpdateJobStatus(context.Background(), "started", model.StatusUpdate{Status: model.StatusRunning}))
	credsFor(t, s, "u1", "clal")
	exec := &fakeSession{jobs: s}

	res, err := newRunner(s, exec).RunBatch(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, []string{"mine"}, exec.order)
}

func TestMissingCredentialMarksJobError(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "u1", model.Job{ID: "j1", SiteID: "harel", Month: "2025-01"})
	exec := &fakeSession{jobs: s}

	res, err := newRunner(s, exec).RunBatch(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, apperr.Is(res.Errors["j1"], apperr.KindCredential))
	assert.Empty(t, exec.order, "no browser session without credentials")
	assert.Equal(t, model.StatusError, status(t, s, "j1").Status)
}

func TestUnknownSiteMarksJobError(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "u1", model.Job{ID: "j1", SiteID: "nowhere", Month: "2025-01"})
	credsFor(t, s, "u1", "nowhere")

	res, err := newRunner(s, &fakeSession{jobs: s}).RunBatch(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, apperr.Is(res.Errors["j1"], apperr.KindConfiguration))
	assert.Equal(t, model.StatusError, status(t, s, "j1").Status)
}

func TestJobWithOpenOtpRequestIsNotDone(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "u1", model.Job{ID: "j1", SiteID: "harel", Month: "2025-01"})
	credsFor(t, s, "u1", "harel")
	exec := &fakeSession{jobs: s, hook: func(run session.Run) {
		_ = s.CreateOtpRequest(context.Background(), &model.OtpRequest{ID: "r1", JobID: run.Job.ID, SiteID: "harel"})
	}}

	res, err := newRunner(s, exec).RunBatch(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.StatusError, status(t, s, "j1").Status)
}

func TestRunBatchBusy(t *testing.T) {
	s := store.NewMemory()
	r := newRunner(s, &fakeSession{jobs: s})
	release, ok, err := r.Locker.Acquire(context.Background(), "batch:u1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.RunBatch(context.Background(), "u1")
	assert.ErrorIs(t, err, runner.ErrBusy)

	release()
	_, err = r.RunBatch(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestRunAdHoc(t *testing.T) {
	s := store.NewMemory()
	exec := &fakeSession{jobs: s}
	r := newRunner(s, exec)

	in := runner.Input{Mode: runner.ModeSingle, UserID: "u1", SiteID: "clal", Month: "2025-09", CredentialsSource: runner.SourceManual,
		Credential: model.Credential{Username: "a", Password: "b"}}
	creds, err := runner.CredentialSource(in, nil)
	require.NoError(t, err)

	res, err := r.RunAdHoc(context.Background(), in, creds)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "clal", res.Site)
	assert.Equal(t, "2025-09", res.Month)
	require.Len(t, exec.order, 1)
	assert.True(t, model.IsEphemeralID(exec.order[0]))
	assert.Contains(t, res.FileURL, exec.order[0])
}

func TestRunAdHocPassesFallbackOtp(t *testing.T) {
	s := store.NewMemory()
	var got session.Run
	r := newRunner(s, &fakeSession{jobs: s, hook: func(run session.Run) { got = run }})

	in := runner.Input{Mode: runner.ModeSingle, UserID: "u1", SiteID: "harel", Month: "2025-01", OTP: "482913",
		HandleOTP: true, CredentialsSource: runner.SourceManual}
	_, err := r.RunAdHoc(context.Background(), in, store.Static{})
	require.NoError(t, err)
	assert.Equal(t, "482913", got.OTP)
	assert.True(t, got.HandleOTP)
}

func TestRunAdHocPropagatesError(t *testing.T) {
	s := store.NewMemory()
	boom := apperr.Download("download report", "no download control found on harel")
	r := newRunner(s, &fakeSession{jobs: s, fail: map[string]error{"harel": boom}})

	in := runner.Input{Mode: runner.ModeSingle, UserID: "u1", SiteID: "harel", Month: "2025-01", CredentialsSource: runner.SourceManual}
	res, err := r.RunAdHoc(context.Background(), in, store.Static{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Success)
}

func TestInputNormalize(t *testing.T) {
	ok := runner.Input{Mode: "single", UserID: "u", SiteID: "clal", Month: "09/2025", CredentialsSource: "manual"}
	require.NoError(t, ok.Normalize())
	assert.Equal(t, "2025-09", ok.Month)

	batch := runner.Input{Mode: "batch", UserID: "u", CredentialsSource: "store"}
	assert.NoError(t, batch.Normalize())

	bad := []runner.Input{
		{Mode: "loop", UserID: "u", CredentialsSource: "store"},
		{Mode: "single", UserID: "u", Month: "2025-09", CredentialsSource: "store"},
		{Mode: "single", UserID: "u", SiteID: "clal", CredentialsSource: "store"},
		{Mode: "batch", UserID: "u", CredentialsSource: "mapping"},
		{Mode: "batch", CredentialsSource: "store"},
	}
	for i, in := range bad {
		assert.Error(t, in.Normalize(), "case %d", i)
	}

	month := runner.Input{Mode: "single", UserID: "u", SiteID: "clal", Month: "2025-13", CredentialsSource: "manual"}
	assert.Error(t, month.Normalize())
}

func TestCredentialSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"credentials": {"harel": {"username": "m", "password": "p"}}}`), 0o600))

	src, err := runner.CredentialSource(runner.Input{CredentialsSource: "mapping", MappingFile: path}, nil)
	require.NoError(t, err)
	c, err := src.Credential(context.Background(), "u1", "harel")
	require.NoError(t, err)
	assert.Equal(t, "m", c.Username)

	_, err = runner.CredentialSource(runner.Input{CredentialsSource: "store"}, nil)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))

	_, err = runner.CredentialSource(runner.Input{CredentialsSource: "mapping", MappingFile: filepath.Join(t.TempDir(), "none.json")}, nil)
	assert.True(t, apperr.Is(err, apperr.KindCredential))
}

func TestLocalLocker(t *testing.T) {
	l := runner.NewLocalLocker()
	release, ok, err := l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = l.Acquire(context.Background(), "k", 0)
	assert.False(t, ok)
	release()
	_, ok, _ = l.Acquire(context.Background(), "k", 0)
	assert.True(t, ok)
}

// End to end through the real orchestrator with scripted pages.
func TestBatchThroughOrchestrator(t *testing.T) {
	for _, tc := range []struct {
		name      string
		code      string
		wantHarel model.JobStatus
	}{
		{name: "code delivered", code: "482913", wantHarel: model.StatusDone},
		{name: "no code", wantHarel: model.StatusError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewMemory()
			seed(t, s, "u1",
				model.Job{ID: "j1", SiteID: "clal", Month: "2025-09"},
				model.Job{ID: "j2", SiteID: "harel", Month: "2025-01"},
			)
			credsFor(t, s, "u1", "clal", "harel")

			catalog := sites.Default()
			launcher := &browsertest.Launcher{New: func() *browsertest.Page {
				p := browsertest.NewPage()
				for _, id := range []string{"clal", "harel"} {
					site, _ := catalog.Get(id)
					for _, sel := range site.Selectors {
						p.Add(sel)
					}
				}
				p.SetHTML(`<html><body><input id="otpInput" type="tel"></body></html>`)
				return p
			}}
			broker := otp.New(otp.Options{Records: s, PollInterval: 5 * time.Millisecond})
			orch := &session.Orchestrator{
				Launcher:    launcher,
				Adapters:    scrapers.NewRegistry(),
				OTP:         broker,
				Blob:        &blob.Local{Dir: t.TempDir(), BaseURL: "https://files.test"},
				Jobs:        s,
				DownloadDir: t.TempDir(),
				OtpTimeout:  300 * time.Millisecond,
			}
			if tc.code != "" {
				go func() {
					for i := 0; i < 200; i++ {
						if err := broker.Submit(ctx, "j2", "harel", tc.code); err == nil {
							return
						}
						time.Sleep(5 * time.Millisecond)
					}
				}()
			}

			r := newRunner(s, orch)
			res, err := r.RunBatch(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, 2, res.Total)

			j1 := status(t, s, "j1")
			assert.Equal(t, model.StatusDone, j1.Status)
			assert.Regexp(t, `^https://files\.test/u1/clal_2025-09_\d+\.xlsx$`, j1.FileURL)

			j2 := status(t, s, "j2")
			assert.Equal(t, tc.wantHarel, j2.Status)
			if tc.wantHarel == model.StatusError {
				assert.Contains(t, j2.ErrorMessage, "OTP not provided within")
			} else {
				assert.NotEmpty(t, j2.FileURL)
			}
			assert.Equal(t, 0, launcher.Open(), fmt.Sprintf("%d pages left open", launcher.Open()))

			reqs, err := s.OtpRequestsForJob(ctx, "j2")
			require.NoError(t, err)
			for _, r := range reqs {
				assert.False(t, r.Open())
			}
		})
	}
}
