// Package sites holds the static per-portal descriptors: login URL, selectors and OTP requirement.
package sites

import (
	"maps"
	"slices"
	"time"

	"github.com/commission-vm/apperr"
	"github.com/commission-vm/model"
)

// DefaultTimeout bounds page waits when a site does not set its own.
const DefaultTimeout = 60 * time.Second

// SiteConfig describes one portal. Values handed out by a Catalog are copies.
type SiteConfig struct {
	ID         string
	Name       string
	LoginURL   string
	ReportsURL string
	NeedsOTP   bool
	Timeout    time.Duration
	Selectors  map[string]string
}

// Selector returns the selector for key and whether it is configured.
func (s SiteConfig) Selector(key string) (string, bool) {
	v, ok := s.Selectors[key]
	return v, ok && v != ""
}

// WaitTimeout returns the site timeout or DefaultTimeout.
func (s SiteConfig) WaitTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

func (s SiteConfig) clone() SiteConfig {
	s.Selectors = maps.Clone(s.Selectors)
	return s
}

// RequiresOTP derives whether this run waits for a code.
// handleOTP=false disables OTP handling; otherwise the site decides, and a credential
// may only opt out with an explicit needs_otp=false.
func RequiresOTP(site SiteConfig, cred model.Credential, handleOTP bool) bool {
	if !handleOTP {
		return false
	}
	if !site.NeedsOTP {
		return false
	}
	return !cred.OptsOutOfOTP()
}

// Catalog is the read-only site table, built once at startup.
type Catalog struct {
	sites map[string]SiteConfig
}

// NewCatalog builds a catalog from the given descriptors.
func NewCatalog(list ...SiteConfig) *Catalog {
	c := &Catalog{sites: make(map[string]SiteConfig, len(list))}
	for _, s := range list {
		c.sites[s.ID] = s.clone()
	}
	return c
}

// Get returns the descriptor for id or a configuration error.
func (c *Catalog) Get(id string) (SiteConfig, error) {
	s, ok := c.sites[id]
	if !ok {
		return SiteConfig{}, apperr.Configuration("site config", "no site config for %q", id)
	}
	return s.clone(), nil
}

// IDs returns the site ids in sorted order.
func (c *Catalog) IDs() []string {
	return slices.Sorted(maps.Keys(c.sites))
}
