// Package scrapers holds the per-portal login and download flows.
package scrapers

import (
	"fmt"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/browser"
	"github.com/commission-vm/model"
	"github.com/commission-vm/sites"
	"github.com/phuslu/log"
)

// Env is everything an adapter needs for one job run. Site and Cred are per-run copies.
type Env struct {
	Site   sites.SiteConfig
	Cred   model.Credential
	Page   browser.Page
	Logger *log.Logger
	// Snap captures a diagnostic screenshot under label. May be nil.
	Snap func(label string)
}

// Adapter is the portal-specific part of a session.
type Adapter interface {
	// FillLoginForm enters the identity fields. Missing credential attributes fail with a form-field error.
	FillLoginForm() error
	// SubmitLoginForm triggers authentication and returns once the next page is stable.
	SubmitLoginForm() error
	// EnterOTP types code into the OTP field(s) and submits it.
	EnterOTP(code string) error
	// NavigateToReports reaches the commissions report page.
	NavigateToReports() error
	// DownloadReport selects month and returns the downloaded file.
	DownloadReport(month model.Month) (*browser.Download, error)
}

// LoginPreparer is implemented by portals that need clicks between the landing page and the login form.
type LoginPreparer interface {
	PrepareLogin() error
}

// PostLoginHook is implemented by portals that need an extra step (such as picking an agency)
// after authentication and before report navigation.
type PostLoginHook interface {
	AfterLogin() error
}

// base implements the steps most portals share.
type base struct {
	Env
}

func (b *base) snap(label string) {
	if b.Snap != nil {
		b.Snap(label)
	}
}

func (b *base) selector(key string) (string, error) {
	sel, ok := b.Site.Selector(key)
	if !ok {
		return "", apperr.Configuration("selector", "site %s has no %q selector", b.Site.ID, key)
	}
	return sel, nil
}

func (b *base) has(key string) bool {
	sel, ok := b.Site.Selector(key)
	return ok && browser.Exists(b.Page, sel)
}

// fill types value into the field configured under key. attr names the credential attribute for errors.
func (b *base) fill(key, attr, value string) error {
	if value == "" {
		return apperr.FormField("fill login form", "credential attribute %q is required for %s", attr, b.Site.ID)
	}
	sel, err := b.selector(key)
	if err != nil {
		return err
	}
	if err := b.Page.Fill(sel, value); err != nil {
		return apperr.Wrapf(apperr.KindFormField, "fill login form", err, "field %s", key)
	}
	return nil
}

func (b *base) click(key string) error {
	sel, err := b.selector(key)
	if err != nil {
		return err
	}
	if err := b.Page.Click(sel); err != nil {
		return apperr.Wrapf(apperr.KindFormField, "click", err, "control %s", key)
	}
	return nil
}

// clickIfPresent clicks key when it is configured and on the page.
func (b *base) clickIfPresent(key string) (bool, error) {
	if !b.has(key) {
		return false, nil
	}
	return true, b.click(key)
}

func (b *base) check(key string) error {
	sel, err := b.selector(key)
	if err != nil {
		return err
	}
	if err := b.Page.Check(sel); err != nil {
		return apperr.Wrapf(apperr.KindFormField, "check", err, "control %s", key)
	}
	return nil
}

func (b *base) selectValue(key, value string) error {
	sel, err := b.selector(key)
	if err != nil {
		return err
	}
	if err := b.Page.SelectValue(sel, value); err != nil {
		return apperr.Wrapf(apperr.KindFormField, "select", err, "%s=%s", key, value)
	}
	return nil
}

func (b *base) waitStable() error {
	if err := b.Page.WaitStable(b.Site.WaitTimeout()); err != nil {
		return apperr.Wrap(apperr.KindFormField, "wait for page", err)
	}
	return nil
}

func (b *base) clickAndWait(key string) error {
	if err := b.click(key); err != nil {
		return err
	}
	return b.waitStable()
}

func (b *base) fillUserPassword() error {
	if err := b.fill("username", "username", model.FirstNonEmpty(b.Cred.Username, b.Cred.ID)); err != nil {
		return err
	}
	return b.fill("password", "password", b.Cred.Password)
}

func (b *base) SubmitLoginForm() error {
	b.Logger.Info().Msg("submitting login form")
	return b.clickAndWait("loginBtn")
}

// EnterOTP fills per-digit fields when the portal has them, otherwise the single OTP input,
// then presses the OTP submit control (or the login button).
func (b *base) EnterOTP(code string) error {
	if sel, ok := b.Site.Selector("otpDigits"); ok {
		if n, _ := b.Page.Count(sel); n > 0 && n >= len(code) {
			for i, r := range code {
				if err := b.Page.FillNth(sel, i, string(r)); err != nil {
					return apperr.Wrapf(apperr.KindOTPRejected, "enter otp", err, "digit %d", i)
				}
			}
			return b.submitOTP()
		}
	}

	sel, ok := b.Site.Selector("otpInput")
	if !ok || !browser.Exists(b.Page, sel) {
		return apperr.OTPRejected("enter otp", "OTP input not found on %s", b.Site.ID)
	}
	if err := b.Page.Fill(sel, code); err != nil {
		return apperr.Wrap(apperr.KindOTPRejected, "enter otp", err)
	}
	return b.submitOTP()
}

func (b *base) submitOTP() error {
	for _, key := range []string{"otpSubmit", "loginBtn"} {
		clicked, err := b.clickIfPresent(key)
		if err != nil {
			return apperr.Wrap(apperr.KindOTPRejected, "submit otp", err)
		}
		if clicked {
			return b.waitStable()
		}
	}
	return apperr.OTPRejected("submit otp", "no OTP submit control on %s", b.Site.ID)
}

// NavigateToReports uses the reports URL when configured, otherwise the menu then the link.
func (b *base) NavigateToReports() error {
	if b.Site.ReportsURL != "" {
		b.Logger.Info().Str("url", b.Site.ReportsURL).Msg("navigating to reports")
		if err := b.Page.Navigate(b.Site.ReportsURL); err != nil {
			return apperr.Wrap(apperr.KindFormField, "navigate to reports", err)
		}
		if err := b.waitStable(); err != nil {
			return err
		}
		b.snap("reports-page")
		return nil
	}

	if _, err := b.clickIfPresent("reportsMenu"); err != nil {
		return err
	}
	if _, ok := b.Site.Selector("reportsLink"); !ok {
		return apperr.FormField("navigate to reports", "no reports URL or menu configured for %s", b.Site.ID)
	}
	if err := b.clickAndWait("reportsLink"); err != nil {
		return err
	}
	b.snap("reports-page")
	return nil
}

// download presses the first present control among keys and waits for the file.
func (b *base) download(keys ...string) (*browser.Download, error) {
	b.snap("pre-download")
	for _, key := range keys {
		if !b.has(key) {
			continue
		}
		sel, _ := b.Site.Selector(key)
		b.Logger.Info().Str("control", key).Msg("triggering download")
		d, err := b.Page.ExpectDownload(b.Site.WaitTimeout(), func() error {
			return b.Page.Click(sel)
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDownload, "download report", err)
		}
		return d, nil
	}
	return nil, apperr.Download("download report", "no download control found on %s", b.Site.ID)
}

// selectMonth picks month in the combined month select by its YYYY-MM value.
func (b *base) selectMonth(month model.Month) error {
	return b.selectValue("monthSelect", month.String())
}

// selectYearMonth picks year and month in separate selects.
func (b *base) selectYearMonth(month model.Month) error {
	if err := b.selectValue("yearSelect", month.Year); err != nil {
		return err
	}
	return b.selectValue("monthSelect", month.Number)
}

func (b *base) String() string {
	return fmt.Sprintf("adapter(%s)", b.Site.ID)
}
