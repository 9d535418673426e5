package updater

import (
	"fmt"
	"time"

	"github.com/creativeprojects/go-selfupdate"

	"github.com/commission-vm/config"
)

const (
	DefaultCheckInterval = 1 * time.Hour

	// StartupDelay lets the worker settle before the first check.
	StartupDelay = 30 * time.Second
)

type Config struct {
	Provider       string
	BaseURL        string
	Owner          string
	Repo           string
	Token          string
	Checksums      string
	CheckInterval  time.Duration
	CurrentVersion string
}

// FromConfig builds the updater settings from the [update] section.
func FromConfig(cfg config.UpdateConfig, version string) *Config {
	c := &Config{
		Provider:       cfg.Provider,
		BaseURL:        cfg.BaseURL,
		Owner:          cfg.Owner,
		Repo:           cfg.Repo,
		Token:          cfg.Token,
		Checksums:      cfg.Checksums,
		CheckInterval:  cfg.Interval.Std(),
		CurrentVersion: version,
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return c
}

func (c *Config) Slug() string {
	return c.Owner + "/" + c.Repo
}

// source returns the release host named by Provider.
func (c *Config) source() (selfupdate.Source, error) {
	switch c.Provider {
	case "", "github":
		return selfupdate.NewGitHubSource(selfupdate.GitHubConfig{APIToken: c.Token, EnterpriseBaseURL: c.BaseURL})
	case "gitlab":
		return selfupdate.NewGitLabSource(selfupdate.GitLabConfig{APIToken: c.Token, BaseURL: c.BaseURL})
	case "gitea":
		return selfupdate.NewGiteaSource(selfupdate.GiteaConfig{APIToken: c.Token, BaseURL: c.BaseURL})
	}
	return nil, fmt.Errorf("unknown release provider %q", c.Provider)
}
