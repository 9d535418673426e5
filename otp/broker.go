// Package otp hands operator-supplied one-time codes to a waiting login.
package otp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/logging"
	"github.com/commission-vm/model"
	"github.com/commission-vm/obs"
	"github.com/commission-vm/store"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultTimeout       = 3 * time.Minute
	DefaultProgressEvery = 15 * time.Second
)

var (
	ErrAlreadyWaiting = errors.New("an OTP wait is already outstanding for this job and site")
	ErrEmptyCode      = errors.New("empty OTP code")
)

// Event types delivered to a Notifier.
const (
	EventRequested = "otp_requested"
	EventResolved  = "otp_resolved"
	EventTimeout   = "otp_timeout"
)

type Event struct {
	Type    string           `json:"type"`
	Request model.OtpRequest `json:"request"`
}

// Notifier receives request lifecycle events. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// Request identifies one wait.
type Request struct {
	JobID           string
	SiteID          string
	SiteName        string
	PhoneLastDigits string
	// Fallback is returned by an ephemeral wait when no code has been submitted.
	Fallback        string
}

type Options struct {
	// Records backs persisted jobs. Nil routes every job through Keys.
	Records store.OtpStore
	// Keys backs ephemeral jobs. Nil means a process-local MemoryKeys.
	Keys          KeyStore
	Notifier      Notifier
	Logger        *log.Logger
	PollInterval  time.Duration
	Timeout       time.Duration
	ProgressEvery time.Duration
}

// Broker bridges a code typed by an operator into a login flow blocked in Await.
type Broker struct {
	records  store.OtpStore
	keys     KeyStore
	notifier Notifier
	logger   *log.Logger

	poll     time.Duration
	timeout  time.Duration
	progress time.Duration

	outstanding sync.Map
}

func New(opts Options) *Broker {
	b := &Broker{
		records:  opts.Records,
		keys:     opts.Keys,
		notifier: opts.Notifier,
		logger:   logging.Component(opts.Logger, "otp"),
		poll:     opts.PollInterval,
		timeout:  opts.Timeout,
		progress: opts.ProgressEvery,
	}
	if b.keys == nil {
		b.keys = NewMemoryKeys(0)
	}
	if b.poll <= 0 {
		b.poll = DefaultPollInterval
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	if b.progress <= 0 {
		b.progress = DefaultProgressEvery
	}
	return b
}

// DefaultTimeout returns the wait bound used when Await gets a zero timeout.
func (b *Broker) DefaultTimeout() time.Duration {
	return b.timeout
}

func outstandingKey(jobID, siteID string) string {
	return jobID + "\x00" + siteID
}

// Waiting reports whether an Await is in progress for (job, site).
func (b *Broker) Waiting(jobID, siteID string) bool {
	_, ok := b.outstanding.Load(outstandingKey(jobID, siteID))
	return ok
}

// Await blocks until a code for (job, site) is submitted, timeout elapses or ctx ends.
// A code is returned at most once.
func (b *Broker) Await(ctx context.Context, req Request, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = b.timeout
	}
	key := outstandingKey(req.JobID, req.SiteID)
	if _, loaded := b.outstanding.LoadOrStore(key, struct{}{}); loaded {
		return "", fmt.Errorf("await otp for job %s site %s: %w", req.JobID, req.SiteID, ErrAlreadyWaiting)
	}
	defer b.outstanding.Delete(key)

	logger := logging.With(logging.With(b.logger, "job_id", req.JobID), "site", req.SiteID)
	ch := b.channelFor(req)
	record, err := ch.open(ctx)
	if err != nil {
		return "", fmt.Errorf("open otp request: %w", err)
	}
	b.notify(EventRequested, record)
	logger.Info().Dur("timeout", timeout).Str("phone_last_digits", req.PhoneLastDigits).Msg("waiting for OTP")

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	progress := time.NewTicker(b.progress)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			ch.close(context.WithoutCancel(ctx), model.OtpTimeout)
			b.notify(EventTimeout, record)
			obs.RecordOtpWait(req.SiteID, "cancelled", time.Since(start))
			return "", fmt.Errorf("await otp: %w", ctx.Err())

		case <-deadline.C:
			ch.close(context.WithoutCancel(ctx), model.OtpTimeout)
			b.notify(EventTimeout, record)
			obs.RecordOtpWait(req.SiteID, "timeout", time.Since(start))
			logger.Warn().Dur("timeout", timeout).Msg("OTP not provided in time")
			return "", apperr.OTPTimeout("await otp", "OTP not provided within %s", timeout)

		case <-progress.C:
			elapsed := time.Since(start)
			logger.Info().Dur("elapsed", elapsed.Truncate(time.Second)).
				Dur("remaining", (timeout - elapsed).Truncate(time.Second)).
				Msg("still waiting for OTP")

		case <-ticker.C:
			code, ok, err := ch.poll(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("OTP poll failed")
				continue
			}
			if !ok {
				continue
			}
			ch.close(context.WithoutCancel(ctx), model.OtpConsumed)
			record.Status = model.OtpConsumed
			b.notify(EventResolved, record)
			obs.RecordOtpWait(req.SiteID, "received", time.Since(start))
			logger.Info().Dur("waited", time.Since(start).Truncate(time.Second)).Msg("OTP received")
			return code, nil
		}
	}
}

// Submit delivers code to the wait for (job, site). Persisted jobs need an open request.
func (b *Broker) Submit(ctx context.Context, jobID, siteID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyCode
	}
	if b.useKeys(jobID) {
		return b.keys.PutCode(ctx, jobID, siteID, code)
	}
	_, err := b.records.SubmitOtp(ctx, jobID, siteID, code)
	return err
}

// Pending lists requests that still wait for a code, from both channels.
func (b *Broker) Pending(ctx context.Context) ([]model.OtpRequest, error) {
	var out []model.OtpRequest
	if b.records != nil {
		rows, err := b.records.PendingOtpRequests(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, *r)
		}
	}
	notices, err := b.keys.Notices(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range notices {
		if n.Status == NoticeWaiting {
			out = append(out, noticeRequest(n))
		}
	}
	return out, nil
}

func (b *Broker) useKeys(jobID string) bool {
	return b.records == nil || model.IsEphemeralID(jobID)
}

func (b *Broker) channelFor(req Request) channel {
	if b.useKeys(req.JobID) {
		return &keyChannel{keys: b.keys, req: req}
	}
	return &recordChannel{records: b.records, req: req, logger: b.logger}
}

func (b *Broker) notify(typ string, r model.OtpRequest) {
	if b.notifier != nil {
		b.notifier.Notify(Event{Type: typ, Request: r})
	}
}

func noticeRequest(n Notice) model.OtpRequest {
	status := model.OtpWaiting
	switch n.Status {
	case NoticeReceived:
		status = model.OtpConsumed
	case NoticeTimeout:
		status = model.OtpTimeout
	}
	return model.OtpRequest{
		ID:              NoticeKey(n.JobID),
		JobID:           n.JobID,
		SiteID:          n.SiteID,
		SiteName:        n.Site,
		Status:          status,
		PhoneLastDigits: n.PhoneLastDigits,
		CreatedAt:       n.Timestamp,
		UpdatedAt:       n.Timestamp,
	}
}

type channel interface {
	open(ctx context.Context) (model.OtpRequest, error)
	poll(ctx context.Context) (string, bool, error)
	close(ctx context.Context, status model.OtpStatus)
}

type recordChannel struct {
	records store.OtpStore
	req     Request
	logger  *log.Logger
	id      string
}

func (c *recordChannel) open(ctx context.Context) (model.OtpRequest, error) {
	r := &model.OtpRequest{
		ID:              model.NewOtpRequestID(),
		JobID:           c.req.JobID,
		SiteID:          c.req.SiteID,
		SiteName:        c.req.SiteName,
		PhoneLastDigits: c.req.PhoneLastDigits,
	}
	if err := c.records.CreateOtpRequest(ctx, r); err != nil {
		return model.OtpRequest{}, err
	}
	c.id = r.ID
	return *r, nil
}

func (c *recordChannel) poll(ctx context.Context) (string, bool, error) {
	return c.records.ConsumeOtp(ctx, c.id)
}

func (c *recordChannel) close(ctx context.Context, status model.OtpStatus) {
	if status == model.OtpConsumed {
		return
	}
	if err := c.records.CloseOtpRequest(ctx, c.id, status); err != nil {
		c.logger.Warn().Err(err).Str("request_id", c.id).Msg("failed to close OTP request")
	}
}

type keyChannel struct {
	keys   KeyStore
	req    Request
	notice Notice
}

func (c *keyChannel) open(ctx context.Context) (model.OtpRequest, error) {
	if err := c.keys.DeleteCode(ctx, c.req.JobID, c.req.SiteID); err != nil {
		return model.OtpRequest{}, err
	}
	c.notice = Notice{
		Status:          NoticeWaiting,
		Site:            c.req.SiteName,
		SiteID:          c.req.SiteID,
		JobID:           c.req.JobID,
		Timestamp:       time.Now(),
		PhoneLastDigits: c.req.PhoneLastDigits,
	}
	if err := c.keys.PutNotice(ctx, c.notice); err != nil {
		return model.OtpRequest{}, err
	}
	return noticeRequest(c.notice), nil
}

func (c *keyChannel) poll(ctx context.Context) (string, bool, error) {
	code, ok, err := c.keys.TakeCode(ctx, c.req.JobID, c.req.SiteID)
	if err != nil || ok || c.req.Fallback == "" {
		return code, ok, err
	}
	return c.req.Fallback, true, nil
}

func (c *keyChannel) close(ctx context.Context, status model.OtpStatus) {
	c.notice.Status = NoticeTimeout
	if status == model.OtpConsumed {
		c.notice.Status = NoticeReceived
	}
	c.notice.Timestamp = time.Now()
	_ = c.keys.PutNotice(ctx, c.notice)
	if status != model.OtpConsumed {
		_ = c.keys.DeleteCode(ctx, c.req.JobID, c.req.SiteID)
	}
}
