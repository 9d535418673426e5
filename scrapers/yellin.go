package scrapers

import (
	"strings"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/browser"
	"github.com/commission-vm/model"
)

const (
	continueText     = "המשך"
	agencyPromptText = "יש לבחור סוכנות"
)

// yellinAdapter logs in with id + phone over SMS and may ask for an agency after login.
type yellinAdapter struct {
	base
}

func newYellin(env Env) Adapter {
	return &yellinAdapter{base{env}}
}

func (a *yellinAdapter) FillLoginForm() error {
	if err := a.fill("idField", "id", model.FirstNonEmpty(a.Cred.ID, a.Cred.Username)); err != nil {
		return err
	}
	if err := a.fill("phoneField", "phone", model.FirstNonEmpty(a.Cred.Phone, a.Cred.Password)); err != nil {
		return err
	}
	for _, key := range []string{"smsRadio", "termsCheckbox"} {
		if a.has(key) {
			if err := a.check(key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *yellinAdapter) SubmitLoginForm() error {
	return a.pressContinue("submit login form")
}

func (a *yellinAdapter) EnterOTP(code string) error {
	sel, ok := a.Site.Selector("otpInput")
	if !ok || !browser.Exists(a.Page, sel) {
		return apperr.OTPRejected("enter otp", "OTP input not found on %s", a.Site.ID)
	}
	if err := a.Page.Fill(sel, code); err != nil {
		return apperr.Wrap(apperr.KindOTPRejected, "enter otp", err)
	}
	return a.pressContinue("submit otp")
}

// AfterLogin picks the credential's agency when the portal asks for one,
// falling back to the first real option.
func (a *yellinAdapter) AfterLogin() error {
	html, err := a.Page.HTML()
	if err != nil {
		return apperr.Wrap(apperr.KindFormField, "select agency", err)
	}
	if ok, _ := browser.ContainsText(html, agencyPromptText); !ok {
		return nil
	}
	sel, err := a.selector("agencySelect")
	if err != nil {
		return err
	}
	opts, err := browser.SelectOptions(html, sel)
	if err != nil {
		return apperr.Wrap(apperr.KindFormField, "select agency", err)
	}
	idx := agencyIndex(opts, a.Cred.Agency)
	if idx < 0 {
		return apperr.FormField("select agency", "no agency options on %s", a.Site.ID)
	}
	a.Logger.Info().Str("agency", opts[idx].Label).Msg("selecting agency")
	if err := a.Page.SelectIndex(sel, idx); err != nil {
		return apperr.Wrap(apperr.KindFormField, "select agency", err)
	}
	return a.pressContinue("select agency")
}

func (a *yellinAdapter) DownloadReport(month model.Month) (*browser.Download, error) {
	if err := a.fill("monthFrom", "month", month.String()); err != nil {
		return nil, err
	}
	if err := a.fill("monthTo", "month", month.String()); err != nil {
		return nil, err
	}
	if err := a.clickAndWait("showBtn"); err != nil {
		return nil, err
	}
	return a.download("downloadBtn")
}

func (a *yellinAdapter) pressContinue(op string) error {
	clicked, err := a.Page.ClickText(continueText)
	if err != nil {
		return apperr.Wrap(apperr.KindFormField, op, err)
	}
	if !clicked {
		return apperr.FormField(op, "no %q button on %s", continueText, a.Site.ID)
	}
	return a.waitStable()
}

// agencyIndex returns the option matching agency by value or label, else the second option
// (the first is usually a placeholder), else the first. -1 when there are none.
func agencyIndex(opts []browser.Option, agency string) int {
	if agency != "" {
		for i, o := range opts {
			if o.Value == agency || strings.Contains(o.Label, agency) {
				return i
			}
		}
	}
	switch {
	case len(opts) > 1:
		return 1
	case len(opts) == 1:
		return 0
	}
	return -1
}
