package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/blob"
	"github.com/commission-vm/browser"
	"github.com/commission-vm/browser/browsertest"
	"github.com/commission-vm/model"
	"github.com/commission-vm/otp"
	"github.com/commission-vm/scrapers"
	"github.com/commission-vm/session"
	"github.com/commission-vm/sites"
	"github.com/commission-vm/store"
)

const otpPage = `<html><body><p>קוד אימות נשלח לטלפון</p><input id="otpInput" placeholder="הקלד קוד"></body></html>`

var fixedNow = time.UnixMilli(1758000000123)

type statusLog struct {
	mu       sync.Mutex
	statuses []model.JobStatus
}

func (s *statusLog) JobStatus(job model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, job.Status)
}

func (s *statusLog) list() []model.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.JobStatus(nil), s.statuses...)
}

type fixture struct {
	store    *store.Memory
	broker   *otp.Broker
	launcher *browsertest.Launcher
	blobDir  string
	snapDir  string
	notes    *statusLog
	orch     *session.Orchestrator
}

func newFixture(t *testing.T, site sites.SiteConfig, withOTPPage bool) *fixture {
	t.Helper()
	workbook := xlsxBytes(t)
	f := &fixture{
		store:   store.NewMemory(),
		blobDir: t.TempDir(),
		snapDir: t.TempDir(),
		notes:   &statusLog{},
	}
	f.launcher = &browsertest.Launcher{New: func() *browsertest.Page {
		p := browsertest.NewPage()
		for _, sel := range site.Selectors {
			p.Add(sel)
		}
		if withOTPPage {
			p.SetHTML(otpPage)
		}
		p.DownloadContent = workbook
		return p
	}}
	f.broker = otp.New(otp.Options{Records: f.store, PollInterval: 5 * time.Millisecond, Timeout: time.Second})
	f.orch = &session.Orchestrator{
		Launcher:    f.launcher,
		Adapters:    scrapers.NewRegistry(),
		OTP:         f.broker,
		Blob:        &blob.Local{Dir: f.blobDir, BaseURL: "https://files.test"},
		Jobs:        f.store,
		Snapshots:   &browser.Snapshotter{Dir: f.snapDir},
		Notifier:    f.notes,
		DownloadDir: t.TempDir(),
		Now:         func() time.Time { return fixedNow },
	}
	return f
}

func (f *fixture) page(t *testing.T) *browsertest.Page {
	t.Helper()
	require.Len(t, f.launcher.Pages, 1)
	return f.launcher.Pages[0]
}

func xlsxBytes(t *testing.T) []byte {
	t.Helper()
	wb := excelize.NewFile()
	defer wb.Close()
	require.NoError(t, wb.SetCellValue("Sheet1", "A1", "פוליסה"))
	require.NoError(t, wb.SetCellValue("Sheet1", "B1", "עמלה"))
	require.NoError(t, wb.SetCellValue("Sheet1", "A2", "1001"))
	require.NoError(t, wb.SetCellValue("Sheet1", "B2", 12.5))
	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func siteConfig(t *testing.T, id string) sites.SiteConfig {
	t.Helper()
	s, err := sites.Default().Get(id)
	require.NoError(t, err)
	return s
}

func storedJob(t *testing.T, s *store.Memory, id, siteID, month string) *model.Job {
	t.Helper()
	job := &model.Job{ID: id, UserID: "u1", SiteID: siteID, Month: month}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func submitWhenPending(t *testing.T, b *otp.Broker, jobID, siteID, code string) {
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			pending, _ := b.Pending(context.Background())
			for _, p := range pending {
				if p.JobID == jobID {
					_ = b.Submit(context.Background(), jobID, siteID, code)
					return
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
}

func TestClalWithoutOTP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, siteConfig(t, "clal"), false)
	job := storedJob(t, f.store, "j1", "clal", "2025-09")

	res, err := f.orch.Execute(ctx, session.Run{
		Job:       job,
		Site:      siteConfig(t, "clal"),
		Cred:      model.Credential{Username: "agent", Password: "pw"},
		HandleOTP: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "u1/clal_2025-09_1758000000123.xlsx", res.ObjectKey)
	assert.Equal(t, "https://files.test/u1/clal_2025-09_1758000000123.xlsx", res.FileURL)
	assert.Equal(t, []session.State{
		session.Init, session.LoggingIn, session.NavigatingToReports,
		session.Downloading, session.Uploading, session.Done,
	}, res.States)
	require.NotNil(t, res.Report)
	assert.Equal(t, 1, res.Report.DataRows())

	_, err = os.Stat(filepath.Join(f.blobDir, "u1", "clal_2025-09_1758000000123.xlsx"))
	assert.NoError(t, err)

	page := f.page(t)
	assert.True(t, page.Has("download"))
	assert.Equal(t, 0, f.launcher.Open())
	assert.Equal(t, []model.JobStatus{model.StatusRunning}, f.notes.list())

	reqs, err := f.store.OtpRequestsForJob(ctx, "j1")
	require.NoError(t, err)
	assert.Empty(t, reqs)

	stored, err := f.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, stored.Status)
}

func TestHarelWithOTP(t *testing.T) {
	ctx := context.Background()
	harel := siteConfig(t, "harel")
	f := newFixture(t, harel, true)
	job := storedJob(t, f.store, "j2", "harel", "2025-01")

	submitWhenPending(t, f.broker, "j2", "harel", "482913")
	res, err := f.orch.Execute(ctx, session.Run{
		Job:       job,
		Site:      harel,
		Cred:      model.Credential{Username: "agent", Password: "pw", Phone: "0501234567"},
		HandleOTP: true,
	})
	require.NoError(t, err)

	assert.Contains(t, res.States, session.AwaitingOtp)
	assert.Equal(t, session.Done, res.States[len(res.States)-1])
	assert.NotEmpty(t, res.FileURL)

	page := f.page(t)
	assert.True(t, page.Has("fill input#otpInput=482913"))
	assert.True(t, page.Has("select select#monthSelect=2025-01"))
	assert.Equal(t, 0, f.launcher.Open())

	assert.Equal(t, []model.JobStatus{model.StatusRunning, model.StatusOTP}, f.notes.list())
	reqs, err := f.store.OtpRequestsForJob(ctx, "j2")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, model.OtpConsumed, reqs[0].Status)
	assert.Equal(t, "4567", reqs[0].PhoneLastDigits)
}

func TestHarelOTPTimeout(t *testing.T) {
	ctx := context.Background()
	harel := siteConfig(t, "harel")
	f := newFixture(t, harel, true)
	f.orch.OtpTimeout = 40 * time.Millisecond
	job := storedJob(t, f.store, "j2", "harel", "2025-01")

	res, err := f.orch.Execute(ctx, session.Run{Job: job, Site: harel, Cred: model.Credential{Username: "a", Password: "b"}, HandleOTP: true})
	require.Error(t, err)
	assert.True(t, session.IsTimeout(err))
	assert.Equal(t, session.Failed, res.States[len(res.States)-1])

	stored, err := f.store.GetJob(ctx, "j2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "OTP not provided within")

	assert.Equal(t, 0, f.launcher.Open(), "browser closed after timeout")
	assert.True(t, f.page(t).Has("screenshot"))
	entries, err := os.ReadDir(filepath.Join(f.snapDir, "j2"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestOTPPageNotReached(t *testing.T) {
	ctx := context.Background()
	harel := siteConfig(t, "harel")
	f := newFixture(t, harel, false)
	job := storedJob(t, f.store, "j3", "harel", "2025-01")

	_, err := f.orch.Execute(ctx, session.Run{Job: job, Site: harel, Cred: model.Credential{Username: "a", Password: "b"}, HandleOTP: true})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindOTPRejected))
	assert.Contains(t, err.Error(), "OTP page not reached")

	pending, err := f.broker.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, f.launcher.Open())
}

func TestOTPSkipped(t *testing.T) {
	harel := siteConfig(t, "harel")
	no := false
	cases := map[string]session.Run{
		"handle otp off":     {Site: harel, Cred: model.Credential{Username: "a", Password: "b"}, HandleOTP: false},
		"credential opt out": {Site: harel, Cred: model.Credential{Username: "a", Password: "b", NeedsOTP: &no}, HandleOTP: true},
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, harel, true)
			run.Job = storedJob(t, f.store, "j4", "harel", "2025-01")
			res, err := f.orch.Execute(context.Background(), run)
			require.NoError(t, err)
			assert.NotContains(t, res.States, session.AwaitingOtp)
			assert.False(t, f.page(t).Has("fill input#otpInput"))
		})
	}
}

func TestEphemeralJobWritesNothing(t *testing.T) {
	clal := siteConfig(t, "clal")
	f := newFixture(t, clal, false)
	job := model.NewEphemeralJob("u1", "clal", "09/2025", fixedNow)

	res, err := f.orch.Execute(context.Background(), session.Run{Job: job, Site: clal, Cred: model.Credential{Username: "a", Password: "b"}})
	require.NoError(t, err)
	assert.Equal(t, "u1/clal_2025-09_1758000000123.xlsx", res.ObjectKey)

	_, err = f.store.GetJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDownloadFailureClosesBrowser(t *testing.T) {
	ctx := context.Background()
	clal := siteConfig(t, "clal")
	f := newFixture(t, clal, false)
	inner := f.launcher.New
	f.launcher.New = func() *browsertest.Page {
		p := inner()
		p.NoDownload = true
		return p
	}
	job := storedJob(t, f.store, "j5", "clal", "2025-09")

	res, err := f.orch.Execute(ctx, session.Run{Job: job, Site: clal, Cred: model.Credential{Username: "a", Password: "b"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDownload))
	assert.Equal(t, []session.State{
		session.Init, session.LoggingIn, session.NavigatingToReports, session.Downloading, session.Failed,
	}, res.States)
	assert.Equal(t, 0, f.launcher.Open())

	stored, err := f.store.GetJob(ctx, "j5")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.Equal(t, []model.JobStatus{model.StatusRunning, model.StatusError}, f.notes.list())
}

type failingBlob struct{}

func (failingBlob) Put(context.Context, string, string, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestUploadFailureIsStorageError(t *testing.T) {
	clal := siteConfig(t, "clal")
	f := newFixture(t, clal, false)
	f.orch.Blob = failingBlob{}
	job := storedJob(t, f.store, "j6", "clal", "2025-09")

	_, err := f.orch.Execute(context.Background(), session.Run{Job: job, Site: clal, Cred: model.Credential{Username: "a", Password: "b"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStorage))
	assert.Contains(t, err.Error(), "bucket unavailable")
}

func TestMissingCredentialFieldFailsLogin(t *testing.T) {
	clal := siteConfig(t, "clal")
	f := newFixture(t, clal, false)
	job := storedJob(t, f.store, "j7", "clal", "2025-09")

	res, err := f.orch.Execute(context.Background(), session.Run{Job: job, Site: clal, Cred: model.Credential{Username: "a"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindFormField))
	assert.Equal(t, []session.State{session.Init, session.LoggingIn, session.Failed}, res.States)
	assert.Equal(t, 0, f.launcher.Open())
}

func TestBadMonthFailsBeforeBrowser(t *testing.T) {
	clal := siteConfig(t, "clal")
	f := newFixture(t, clal, false)
	job := storedJob(t, f.store, "j8", "clal", "September")

	_, err := f.orch.Execute(context.Background(), session.Run{Job: job, Site: clal})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Empty(t, f.launcher.Pages)

	stored, err := f.store.GetJob(context.Background(), "j8")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
}

func TestLaunchFailure(t *testing.T) {
	clal := siteConfig(t, "clal")
	f := newFixture(t, clal, false)
	f.launcher.Err = errors.New("chrome not found")
	job := storedJob(t, f.store, "j9", "clal", "2025-09")

	_, err := f.orch.Execute(context.Background(), session.Run{Job: job, Site: clal})
	assert.ErrorContains(t, err, "chrome not found")

	left, err := os.ReadDir(f.orch.DownloadDir)
	require.NoError(t, err)
	assert.Empty(t, left, "download dir removed when the browser never started")
}

func TestJobIDNeverNamesDownloadDir(t *testing.T) {
	root := t.TempDir()
	keep := filepath.Join(root, "keep")
	require.NoError(t, os.MkdirAll(keep, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(keep, "important.txt"), []byte("x"), 0644))

	clal := siteConfig(t, "clal")
	for _, id := range []string{"../keep", "diagnostics", "..", "a/../../keep"} {
		t.Run(id, func(t *testing.T) {
			f := newFixture(t, clal, false)
			downloads := filepath.Join(root, "downloads")
			f.orch.DownloadDir = downloads
			f.orch.Snapshots = &browser.Snapshotter{Dir: filepath.Join(downloads, "diagnostics")}
			require.NoError(t, os.MkdirAll(filepath.Join(downloads, "diagnostics", "earlier"), 0755))

			job := storedJob(t, f.store, id, "clal", "2025-09")
			_, err := f.orch.Execute(context.Background(), session.Run{
				Job:  job,
				Site: clal,
				Cred: model.Credential{Username: "agent", Password: "pw"},
			})
			require.NoError(t, err)

			used := f.page(t).DownloadDir
			assert.Equal(t, downloads, filepath.Dir(used))
			assert.True(t, strings.HasPrefix(filepath.Base(used), "job-"), used)
			assert.NoDirExists(t, used)

			assert.FileExists(t, filepath.Join(keep, "important.txt"))
			assert.DirExists(t, filepath.Join(downloads, "diagnostics", "earlier"))
		})
	}
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, session.Init.CanMove(session.LoggingIn))
	assert.True(t, session.LoggingIn.CanMove(session.AwaitingOtp))
	assert.True(t, session.LoggingIn.CanMove(session.NavigatingToReports))
	assert.True(t, session.Uploading.CanMove(session.Done))
	assert.False(t, session.Init.CanMove(session.Done))
	assert.False(t, session.AwaitingOtp.CanMove(session.Downloading))
	assert.False(t, session.Done.CanMove(session.Failed))
	for _, s := range []session.State{session.Init, session.LoggingIn, session.AwaitingOtp, session.NavigatingToReports, session.Downloading, session.Uploading} {
		assert.True(t, s.CanMove(session.Failed), s)
	}
}
