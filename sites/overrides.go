package sites

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type siteOverride struct {
	Name       *string           `toml:"name"`
	LoginURL   *string           `toml:"login_url"`
	ReportsURL *string           `toml:"reports_url"`
	NeedsOTP   *bool             `toml:"needs_otp"`
	Timeout    string            `toml:"timeout"`
	Selectors  map[string]string `toml:"selectors"`
}

type overridesFile struct {
	Sites map[string]siteOverride `toml:"sites"`
}

// LoadOverrides returns base merged with the [sites.<id>] tables in path.
// Ids not in base are added.
func LoadOverrides(base *Catalog, path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read site overrides: %w", err)
	}
	var file overridesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse site overrides: %w", err)
	}

	merged := make([]SiteConfig, 0, len(base.sites)+len(file.Sites))
	seen := make(map[string]bool, len(base.sites))
	for _, id := range base.IDs() {
		s := base.sites[id].clone()
		if o, ok := file.Sites[id]; ok {
			if err := o.apply(&s); err != nil {
				return nil, fmt.Errorf("site %s: %w", id, err)
			}
		}
		merged = append(merged, s)
		seen[id] = true
	}
	for id, o := range file.Sites {
		if seen[id] {
			continue
		}
		s := SiteConfig{ID: id, Name: id, Selectors: map[string]string{}}
		if err := o.apply(&s); err != nil {
			return nil, fmt.Errorf("site %s: %w", id, err)
		}
		if s.LoginURL == "" {
			return nil, fmt.Errorf("site %s: login_url is required for a new site", id)
		}
		merged = append(merged, s)
	}
	return NewCatalog(merged...), nil
}

func (o siteOverride) apply(s *SiteConfig) error {
	if o.Name != nil {
		s.Name = *o.Name
	}
	if o.LoginURL != nil {
		s.LoginURL = *o.LoginURL
	}
	if o.ReportsURL != nil {
		s.ReportsURL = *o.ReportsURL
	}
	if o.NeedsOTP != nil {
		s.NeedsOTP = *o.NeedsOTP
	}
	if o.Timeout != "" {
		d, err := time.ParseDuration(o.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		s.Timeout = d
	}
	if s.Selectors == nil {
		s.Selectors = map[string]string{}
	}
	for k, v := range o.Selectors {
		s.Selectors[k] = v
	}
	return nil
}
