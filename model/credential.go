package model

// Credential is the login material for one (user, site) pair. It is not modified while a job runs.
type Credential struct {
	UserID   string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	SiteID   string `json:"site_id,omitempty" yaml:"site_id,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	License  string `json:"license,omitempty" yaml:"license,omitempty"`
	Phone    string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Email    string `json:"email,omitempty" yaml:"email,omitempty"`
	Agency   string `json:"agency,omitempty" yaml:"agency,omitempty"`
	// NeedsOTP is nil when the row does not say.
	NeedsOTP *bool `json:"needs_otp,omitempty" yaml:"needs_otp,omitempty"`
}

// OptsOutOfOTP reports an explicit needs_otp=false.
func (c Credential) OptsOutOfOTP() bool {
	return c.NeedsOTP != nil && !*c.NeedsOTP
}

// PhoneLastDigits returns up to the last four digits of the phone number.
func (c Credential) PhoneLastDigits() string {
	if len(c.Phone) <= 4 {
		return c.Phone
	}
	return c.Phone[len(c.Phone)-4:]
}

// FirstNonEmpty returns the first non-empty value.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
