package scrapers

import (
	"github.com/commission-vm/apperr"
	"github.com/commission-vm/browser"
	"github.com/commission-vm/model"
)

// genericAdapter serves sites with no dedicated flow: username/password login and
// configured report navigation only.
type genericAdapter struct {
	base
}

func newGeneric(env Env) Adapter {
	return &genericAdapter{base{env}}
}

func (a *genericAdapter) FillLoginForm() error {
	return a.fillUserPassword()
}

func (a *genericAdapter) DownloadReport(model.Month) (*browser.Download, error) {
	return nil, apperr.Download("download report", "no download flow implemented for %s", a.Site.ID)
}
