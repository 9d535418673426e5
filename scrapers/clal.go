package scrapers

import (
	"github.com/commission-vm/apperr"
	"github.com/commission-vm/browser"
	"github.com/commission-vm/model"
)

// clalAdapter: portal entry button before the login form, menu traversal to the
// reports, month chosen by its Hebrew label.
type clalAdapter struct {
	base
}

func newClal(env Env) Adapter {
	return &clalAdapter{base{env}}
}

func (a *clalAdapter) PrepareLogin() error {
	clicked, err := a.clickIfPresent("portalBtn")
	if err != nil || !clicked {
		return err
	}
	return a.waitStable()
}

func (a *clalAdapter) FillLoginForm() error {
	return a.fillUserPassword()
}

func (a *clalAdapter) NavigateToReports() error {
	if err := a.clickAndWait("reportsMenu"); err != nil {
		return err
	}
	if err := a.clickAndWait("reportsLink"); err != nil {
		return err
	}
	a.snap("reports-page")
	return nil
}

func (a *clalAdapter) DownloadReport(month model.Month) (*browser.Download, error) {
	if err := a.chooseMonth(month); err != nil {
		return nil, err
	}
	if _, err := a.clickIfPresent("searchBtn"); err != nil {
		return nil, err
	}
	if err := a.waitStable(); err != nil {
		return nil, err
	}
	return a.download("downloadBtn")
}

// chooseMonth prefers the localized label and falls back to the YYYY-MM option value.
func (a *clalAdapter) chooseMonth(month model.Month) error {
	sel, err := a.selector("monthSelect")
	if err != nil {
		return err
	}
	label := HebrewMonthLabel(month)
	if html, err := a.Page.HTML(); err == nil {
		opts, _ := browser.SelectOptions(html, sel)
		for _, o := range opts {
			if o.Label == label {
				a.Logger.Info().Str("label", label).Msg("selecting month by label")
				if err := a.Page.SelectLabel(sel, label); err != nil {
					return apperr.Wrapf(apperr.KindFormField, "select", err, "month %s", label)
				}
				return nil
			}
		}
	}
	a.Logger.Info().Str("value", month.String()).Msg("month label not found, selecting by value")
	return a.selectMonth(month)
}
