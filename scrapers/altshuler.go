package scrapers

import (
	"github.com/commission-vm/browser"
	"github.com/commission-vm/model"
)

// altshulerAdapter logs in with license + id, asks the portal to send the code, and
// takes the code in per-digit fields.
type altshulerAdapter struct {
	base
}

func newAltshuler(env Env) Adapter {
	return &altshulerAdapter{base{env}}
}

func (a *altshulerAdapter) FillLoginForm() error {
	if a.has("idTypeRadio") {
		if err := a.check("idTypeRadio"); err != nil {
			return err
		}
	}
	if err := a.fill("licenseField", "license", model.FirstNonEmpty(a.Cred.License, a.Cred.Username)); err != nil {
		return err
	}
	return a.fill("idField", "id", model.FirstNonEmpty(a.Cred.ID, a.Cred.Password))
}

// SubmitLoginForm requests the SMS code; the login button is pressed after the code is entered.
func (a *altshulerAdapter) SubmitLoginForm() error {
	a.Logger.Info().Msg("requesting SMS code")
	return a.clickAndWait("sendCodeBtn")
}

func (a *altshulerAdapter) NavigateToReports() error {
	if _, err := a.clickIfPresent("reportsMenu"); err != nil {
		return err
	}
	if a.has("reportsLink") {
		if err := a.clickAndWait("reportsLink"); err != nil {
			return err
		}
	} else if err := a.base.NavigateToReports(); err != nil {
		return err
	}
	if clicked, err := a.clickIfPresent("reportType"); err != nil {
		return err
	} else if clicked {
		return a.waitStable()
	}
	return nil
}

func (a *altshulerAdapter) DownloadReport(month model.Month) (*browser.Download, error) {
	if err := a.selectYearMonth(month); err != nil {
		return nil, err
	}
	if err := a.clickAndWait("showBtn"); err != nil {
		return nil, err
	}
	return a.download("downloadBtn", "exportExcelBtn")
}
