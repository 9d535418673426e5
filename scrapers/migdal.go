package scrapers

import (
	"github.com/commission-vm/browser"
	"github.com/commission-vm/model"
)

type migdalAdapter struct {
	base
}

func newMigdal(env Env) Adapter {
	return &migdalAdapter{base{env}}
}

func (a *migdalAdapter) FillLoginForm() error {
	return a.fillUserPassword()
}

// NavigateToReports opens the reports menu, the commissions category, then the first report type.
func (a *migdalAdapter) NavigateToReports() error {
	if err := a.base.NavigateToReports(); err != nil {
		return err
	}
	return a.clickAndWait("reportType")
}

func (a *migdalAdapter) DownloadReport(month model.Month) (*browser.Download, error) {
	if err := a.selectYearMonth(month); err != nil {
		return nil, err
	}
	if err := a.clickAndWait("showBtn"); err != nil {
		return nil, err
	}
	return a.download("downloadBtn")
}
