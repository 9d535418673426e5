package scrapers

import (
	"github.com/commission-vm/browser"
	"github.com/commission-vm/model"
)

type ayalonAdapter struct {
	base
}

func newAyalon(env Env) Adapter {
	return &ayalonAdapter{base{env}}
}

func (a *ayalonAdapter) FillLoginForm() error {
	if err := a.fillUserPassword(); err != nil {
		return err
	}
	if a.has("termsCheckbox") {
		return a.check("termsCheckbox")
	}
	return nil
}

func (a *ayalonAdapter) DownloadReport(month model.Month) (*browser.Download, error) {
	if err := a.selectMonth(month); err != nil {
		return nil, err
	}
	return a.download("downloadBtn")
}
