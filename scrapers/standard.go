package scrapers

import (
	"github.com/commission-vm/browser"
	"github.com/commission-vm/model"
)

// loginField maps one form field to the credential attribute that fills it.
type loginField struct {
	key    string
	attr   string
	value  func(model.Credential) string
	choose bool // a <select> rather than a text input
}

var (
	idPasswordFields = []loginField{
		{key: "idField", attr: "id", value: func(c model.Credential) string { return model.FirstNonEmpty(c.ID, c.Username) }},
		{key: "passwordField", attr: "password", value: func(c model.Credential) string { return c.Password }},
	}
	usernamePasswordFields = []loginField{
		{key: "username", attr: "username", value: func(c model.Credential) string { return model.FirstNonEmpty(c.Username, c.ID) }},
		{key: "password", attr: "password", value: func(c model.Credential) string { return c.Password }},
	}
	idPhoneFields = []loginField{
		{key: "idField", attr: "id", value: func(c model.Credential) string { return model.FirstNonEmpty(c.ID, c.Username) }},
		{key: "phoneField", attr: "phone", value: func(c model.Credential) string { return c.Phone }},
	}
	morFields = []loginField{
		{key: "licenseField", attr: "license", value: func(c model.Credential) string { return model.FirstNonEmpty(c.License, c.ID) }},
		{key: "userIdField", attr: "id", value: func(c model.Credential) string { return model.FirstNonEmpty(c.ID, c.Username) }},
		{key: "phoneField", attr: "phone", value: func(c model.Credential) string { return c.Phone }},
	}
	meitavFields = []loginField{
		{key: "idField", attr: "id", value: func(c model.Credential) string { return model.FirstNonEmpty(c.ID, c.Username) }},
		{key: "phonePrefix", attr: "phone", choose: true, value: func(c model.Credential) string {
			prefix, _ := SplitPhone(c.Phone)
			return prefix
		}},
		{key: "phoneField", attr: "phone", value: func(c model.Credential) string {
			_, rest := SplitPhone(c.Phone)
			return rest
		}},
	}
	passportcardFields = []loginField{
		{key: "emailField", attr: "email", value: func(c model.Credential) string { return model.FirstNonEmpty(c.Email, c.Username, c.ID) }},
		{key: "mobileField", attr: "phone", value: func(c model.Credential) string { return c.Phone }},
	}
)

// standardAdapter covers portals with a plain login form, one OTP input and a month
// select on a fixed reports page. They differ only in the login fields.
type standardAdapter struct {
	base
	fields []loginField
}

func standardFlow(fields []loginField) Factory {
	return func(env Env) Adapter {
		return &standardAdapter{base: base{env}, fields: fields}
	}
}

func (a *standardAdapter) FillLoginForm() error {
	for _, f := range a.fields {
		v := f.value(a.Cred)
		if !f.choose {
			if err := a.fill(f.key, f.attr, v); err != nil {
				return err
			}
			continue
		}
		if v == "" {
			return a.fill(f.key, f.attr, v)
		}
		if err := a.selectValue(f.key, v); err != nil {
			return err
		}
	}
	return nil
}

func (a *standardAdapter) DownloadReport(month model.Month) (*browser.Download, error) {
	if err := a.selectMonth(month); err != nil {
		return nil, err
	}
	return a.download("downloadBtn")
}
