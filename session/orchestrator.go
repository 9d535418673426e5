package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/phuslu/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/blob"
	"github.com/commission-vm/browser"
	"github.com/commission-vm/logging"
	"github.com/commission-vm/model"
	"github.com/commission-vm/obs"
	"github.com/commission-vm/otp"
	"github.com/commission-vm/report"
	"github.com/commission-vm/scrapers"
	"github.com/commission-vm/sites"
	"github.com/commission-vm/store"
)

// OtpAwaiter is the part of the OTP broker a session needs.
type OtpAwaiter interface {
	Await(ctx context.Context, req otp.Request, timeout time.Duration) (string, error)
}

// Notifier hears about job status writes. Implementations must not block.
type Notifier interface {
	JobStatus(job model.Job)
}

// Orchestrator runs jobs one at a time. It holds no per-job state.
type Orchestrator struct {
	Launcher  browser.Launcher
	Adapters  *scrapers.Registry
	OTP       OtpAwaiter
	Blob      blob.Store
	Jobs      store.JobStore
	Snapshots *browser.Snapshotter
	Notifier  Notifier
	Logger    *log.Logger

	// DownloadDir receives one job-* directory per session, removed after the run.
	DownloadDir string
	// OtpTimeout bounds the OTP wait. Zero uses the broker default.
	OtpTimeout time.Duration

	Now func() time.Time
}

// Run is the per-job input. Site and Cred are private copies for this run.
type Run struct {
	Job       *model.Job
	Site      sites.SiteConfig
	Cred      model.Credential
	HandleOTP bool
	// OTP answers the prompt when nothing is submitted during the wait.
	OTP       string
}

// Result describes a finished session.
type Result struct {
	FileURL   string
	ObjectKey string
	States    []State
	Report    *report.Summary
}

// machine is the state of one Execute call.
type machine struct {
	o       *Orchestrator
	run     Run
	month   model.Month
	logger  *log.Logger
	state   State
	states  []State
	ctx     context.Context
	rootCtx context.Context
	span    trace.Span
	page    browser.Page
	dir     string
	adapter scrapers.Adapter
}

// Execute drives run through the session states. On failure the error is persisted to the job
// row (for stored jobs) and returned; the browsing context is closed on every path.
func (o *Orchestrator) Execute(ctx context.Context, run Run) (*Result, error) {
	job := run.Job
	logger := logging.With(logging.With(logging.Component(o.Logger, "session"), "job_id", job.ID), "site", run.Site.ID)
	ctx, root := obs.Tracer("session").Start(ctx, "session.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("site.id", run.Site.ID),
		attribute.String("job.month", job.Month),
	))
	defer root.End()

	m := &machine{o: o, run: run, logger: logger, state: Init, states: []State{Init}, rootCtx: ctx, ctx: ctx}
	res, err := m.execute()
	m.endSpan(err)
	if err != nil {
		root.RecordError(err)
		root.SetStatus(codes.Error, err.Error())
		return &Result{States: m.states}, err
	}
	res.States = m.states
	return res, nil
}

func (m *machine) execute() (res *Result, err error) {
	defer func() {
		if err != nil {
			m.fail(err)
		}
		if m.page != nil {
			if cerr := m.page.Close(); cerr != nil {
				m.logger.Warn().Err(cerr).Msg("failed to close browser")
			}
		}
		if m.dir != "" {
			if rerr := os.RemoveAll(m.dir); rerr != nil {
				m.logger.Warn().Err(rerr).Str("dir", m.dir).Msg("failed to remove download dir")
			}
		}
	}()

	month, err := model.ParseMonth(m.run.Job.Month)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "parse month", err)
	}
	m.month = month

	if err := m.enter(LoggingIn); err != nil {
		return nil, err
	}
	if err := m.login(); err != nil {
		return nil, err
	}

	if sites.RequiresOTP(m.run.Site, m.run.Cred, m.run.HandleOTP) {
		if err := m.enter(AwaitingOtp); err != nil {
			return nil, err
		}
		if err := m.awaitOtp(); err != nil {
			return nil, err
		}
	}

	if err := m.enter(NavigatingToReports); err != nil {
		return nil, err
	}
	if hook, ok := m.adapter.(scrapers.PostLoginHook); ok {
		if err := hook.AfterLogin(); err != nil {
			return nil, err
		}
	}
	if err := m.adapter.NavigateToReports(); err != nil {
		return nil, err
	}

	if err := m.enter(Downloading); err != nil {
		return nil, err
	}
	dl, err := m.adapter.DownloadReport(m.month)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := dl.Remove(); rerr != nil {
			m.logger.Warn().Err(rerr).Msg("failed to remove local download")
		}
	}()
	summary := m.inspect(dl)

	if err := m.enter(Uploading); err != nil {
		return nil, err
	}
	key := blob.ObjectKey(m.run.Job.UserID, m.run.Site.ID, m.month.String(), m.o.now())
	url, err := m.o.Blob.Put(m.ctx, key, dl.Path, blob.XLSXContentType)
	if err != nil {
		return nil, apperr.Wrapf(apperr.KindStorage, "upload report", err, "object %s", key)
	}

	if err := m.enter(Done); err != nil {
		return nil, err
	}
	m.logger.Info().Str("object", key).Str("url", url).Msg("report uploaded")
	return &Result{FileURL: url, ObjectKey: key, Report: summary}, nil
}

func (m *machine) login() error {
	dir, err := m.o.jobDir()
	if err != nil {
		return apperr.Wrap(apperr.KindConfiguration, "create download dir", err)
	}
	m.dir = dir
	page, err := m.o.Launcher.Launch(m.ctx, dir)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	m.page = page

	site := m.run.Site
	if err := page.Navigate(site.LoginURL); err != nil {
		return fmt.Errorf("open login page %s: %w", site.LoginURL, err)
	}
	if err := page.WaitStable(site.WaitTimeout()); err != nil {
		return fmt.Errorf("login page did not load: %w", err)
	}
	m.snap("login-page")

	m.adapter = m.o.Adapters.New(scrapers.Env{
		Site:   site,
		Cred:   m.run.Cred,
		Page:   page,
		Logger: m.logger,
		Snap:   m.snap,
	})
	if p, ok := m.adapter.(scrapers.LoginPreparer); ok {
		if err := p.PrepareLogin(); err != nil {
			return err
		}
	}
	if err := m.adapter.FillLoginForm(); err != nil {
		return err
	}
	return m.adapter.SubmitLoginForm()
}

func (m *machine) awaitOtp() error {
	m.snap("pre-otp")
	html, err := m.page.HTML()
	if err != nil {
		return fmt.Errorf("read otp page: %w", err)
	}
	ok, err := browser.DetectOTPChallenge(html)
	if err != nil {
		return fmt.Errorf("inspect otp page: %w", err)
	}
	if !ok {
		return apperr.OTPRejected("await otp", "OTP page not reached - SMS might not have been sent")
	}
	code, err := m.o.OTP.Await(m.ctx, otp.Request{
		JobID:           m.run.Job.ID,
		SiteID:          m.run.Site.ID,
		SiteName:        m.run.Site.Name,
		PhoneLastDigits: m.run.Cred.PhoneLastDigits(),
		Fallback:        m.run.OTP,
	}, m.o.OtpTimeout)
	if err != nil {
		return err
	}
	return m.adapter.EnterOTP(code)
}

// inspect logs what the portal delivered. It never fails the job.
func (m *machine) inspect(dl *browser.Download) *report.Summary {
	sum, err := report.Inspect(dl.Path)
	if err != nil {
		m.logger.Warn().Err(err).Str("file", dl.Path).Msg("downloaded report could not be inspected")
		return sum
	}
	if sum.Format != report.FormatXLSX {
		m.logger.Warn().Str("format", string(sum.Format)).Msg("downloaded report is not an xlsx workbook")
	}
	m.logger.Info().Str("file", filepath.Base(dl.Path)).
		Str("format", string(sum.Format)).
		Int64("bytes", sum.Size).
		Int("sheets", len(sum.Sheets)).
		Int("rows", sum.DataRows()).
		Msg("report downloaded")
	return sum
}

// enter moves the machine to next, writing the matching job status.
func (m *machine) enter(next State) error {
	if !m.state.CanMove(next) {
		return &transitionError{from: m.state, to: next}
	}
	m.logger.Info().Str("from", string(m.state)).Str("to", string(next)).Msg("session state")
	m.endSpan(nil)
	m.state = next
	m.states = append(m.states, next)
	obs.RecordTransition(m.run.Site.ID, string(next))
	if !next.Terminal() {
		m.ctx, m.span = obs.Tracer("session").Start(m.rootCtx, "session."+string(next))
	}

	switch next {
	case LoggingIn:
		return m.writeStatus(m.rootCtx, model.StatusUpdate{Status: model.StatusRunning})
	case AwaitingOtp:
		return m.writeStatus(m.rootCtx, model.StatusUpdate{Status: model.StatusOTP})
	}
	return nil
}

func (m *machine) endSpan(err error) {
	if m.span == nil {
		return
	}
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	}
	m.span.End()
	m.span = nil
}

// fail records err: snapshot, Failed state and the job's error status.
func (m *machine) fail(err error) {
	m.snap("error")
	m.endSpan(err)
	from := m.state
	m.state = Failed
	m.states = append(m.states, Failed)
	obs.RecordTransition(m.run.Site.ID, string(Failed))
	m.logger.Error().Err(err).Str("state", string(from)).Str("kind", string(apperr.KindOf(err))).Msg("session failed")

	ctx := context.WithoutCancel(m.rootCtx)
	if werr := m.writeStatus(ctx, model.StatusUpdate{Status: model.StatusError, ErrorMessage: err.Error()}); werr != nil {
		m.logger.Error().Err(werr).Msg("failed to persist job error")
	}
}

func (m *machine) writeStatus(ctx context.Context, u model.StatusUpdate) error {
	job := m.run.Job
	if err := store.WriteStatus(ctx, m.o.Jobs, job.ID, u); err != nil {
		return apperr.Wrapf(apperr.KindStorage, "write job status", err, "job %s -> %s", job.ID, u.Status)
	}
	job.Status = u.Status
	if u.ErrorMessage != "" {
		job.ErrorMessage = u.ErrorMessage
	}
	if m.o.Notifier != nil {
		m.o.Notifier.JobStatus(*job)
	}
	return nil
}

func (m *machine) snap(label string) {
	if m.page != nil {
		m.o.Snapshots.Capture(m.page, m.run.Job.ID, label)
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// jobDir creates a fresh download directory for one session. Its name never derives from the job id.
func (o *Orchestrator) jobDir() (string, error) {
	base := o.DownloadDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", err
	}
	return os.MkdirTemp(base, "job-*")
}

// IsTimeout reports whether err ended a session because no OTP arrived in time.
func IsTimeout(err error) bool {
	return apperr.Is(err, apperr.KindOTPTimeout)
}
