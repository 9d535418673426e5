package scrapers

import (
	"github.com/commission-vm/browser"
	"github.com/commission-vm/model"
)

type harelAdapter struct {
	base
}

func newHarel(env Env) Adapter {
	return &harelAdapter{base{env}}
}

func (a *harelAdapter) FillLoginForm() error {
	return a.fillUserPassword()
}

func (a *harelAdapter) DownloadReport(month model.Month) (*browser.Download, error) {
	if err := a.selectMonth(month); err != nil {
		return nil, err
	}
	return a.download("downloadBtn")
}
