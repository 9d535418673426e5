package runner

import (
	"github.com/go-playground/validator/v10"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/model"
	"github.com/commission-vm/store"
)

const (
	ModeSingle = "single"
	ModeBatch  = "batch"

	SourceManual  = "manual"
	SourceMapping = "mapping"
	SourceStore   = "store"
)

// Input is one invocation of the downloader.
type Input struct {
	Mode              string `validate:"required,oneof=single batch"`
	UserID            string `validate:"required"`
	SiteID            string `validate:"required_if=Mode single"`
	Month             string `validate:"required_if=Mode single,omitempty,datetime=2006-01"`
	HandleOTP         bool
	// OTP is used when no code is submitted through the exchange.
	OTP               string `validate:"omitempty,numeric"`
	CredentialsSource string `validate:"required,oneof=manual mapping store"`
	MappingFile       string `validate:"required_if=CredentialsSource mapping"`
	Credential        model.Credential
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize canonicalizes the month to YYYY-MM and validates the input.
func (in *Input) Normalize() error {
	if in.Month != "" {
		m, err := model.ParseMonth(in.Month)
		if err != nil {
			return err
		}
		in.Month = m.String()
	}
	return validate.Struct(in)
}

// CredentialSource resolves the credential source named by in.CredentialsSource. db is used
// for the store source and may be nil otherwise.
func CredentialSource(in Input, db store.CredentialSource) (store.CredentialSource, error) {
	switch in.CredentialsSource {
	case SourceManual:
		return store.Static{Cred: in.Credential}, nil
	case SourceMapping:
		m, err := store.LoadMappingFile(in.MappingFile)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindCredential, "load credentials mapping", err)
		}
		return m, nil
	case SourceStore:
		if db == nil {
			return nil, apperr.Configuration("resolve credentials", "credential store is not configured")
		}
		return db, nil
	}
	return nil, apperr.Configuration("resolve credentials", "unknown credentials source %q", in.CredentialsSource)
}
