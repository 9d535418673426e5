// Package updater replaces the running binary with the latest published release.
package updater

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"github.com/commission-vm/logging"
)

type Updater struct {
	config *Config
	logger *log.Logger
	client *selfupdate.Updater
}

// New resolves the release source once. Releases are validated against the Checksums asset
// when one is configured.
func New(cfg *Config, logger *log.Logger) (*Updater, error) {
	source, err := cfg.source()
	if err != nil {
		return nil, fmt.Errorf("failed to create release source: %w", err)
	}
	sc := selfupdate.Config{Source: source}
	if cfg.Checksums != "" {
		sc.Validator = &selfupdate.ChecksumValidator{UniqueFilename: cfg.Checksums}
	}
	client, err := selfupdate.NewUpdater(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}
	return &Updater{
		config: cfg,
		logger: logging.With(logging.Component(logger, "updater"), "repo", cfg.Slug()),
		client: client,
	}, nil
}

// Latest returns the newest release for this platform and whether it is newer than the
// running version. A nil release means nothing is published for this OS and arch.
func (u *Updater) Latest(ctx context.Context) (*selfupdate.Release, bool, error) {
	latest, found, err := u.client.DetectLatest(ctx, selfupdate.ParseSlug(u.config.Slug()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to detect latest version: %w", err)
	}
	if !found {
		u.logger.Debug().Str("os", runtime.GOOS).Str("arch", runtime.GOARCH).Msg("no release for this platform")
		return nil, false, nil
	}
	newer := !latest.LessOrEqual(versionTag(u.config.CurrentVersion))
	u.logger.Info().Str("current", u.config.CurrentVersion).Str("latest", latest.Version()).Bool("newer", newer).Msg("release check")
	return latest, newer, nil
}

// versionTag makes "1.2.0" comparable with release tags like "v1.2.0".
func versionTag(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

// Apply swaps the running executable for release.
func (u *Updater) Apply(ctx context.Context, release *selfupdate.Release) error {
	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	u.logger.Info().Str("version", release.Version()).Str("asset", release.AssetName).Msg("downloading release")
	if err := u.client.UpdateTo(ctx, release, exe); err != nil {
		return fmt.Errorf("failed to update %s: %w", exe, err)
	}
	u.logger.Info().Str("version", release.Version()).Msg("release installed")
	return nil
}

// CheckAndUpdate installs the latest release if it is newer and reports whether it did.
func (u *Updater) CheckAndUpdate(ctx context.Context) (bool, error) {
	release, newer, err := u.Latest(ctx)
	if err != nil || !newer {
		return false, err
	}
	if err := u.Apply(ctx, release); err != nil {
		return false, err
	}
	return true, nil
}

// Schedule adds a periodic CheckAndUpdate to c. onUpdated runs after a release was installed.
func (u *Updater) Schedule(ctx context.Context, c *cron.Cron, onUpdated func()) (cron.EntryID, error) {
	return c.AddFunc("@every "+u.config.CheckInterval.String(), func() {
		if ctx.Err() != nil {
			return
		}
		updated, err := u.CheckAndUpdate(ctx)
		if err != nil {
			u.logger.Warn().Err(err).Msg("update failed")
			return
		}
		if updated && onUpdated != nil {
			onUpdated()
		}
	})
}

// Relaunch starts the installed binary with the current arguments and exits this process.
// Used when nothing supervises the worker.
func Relaunch(logger *log.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	proc, err := os.StartProcess(exe, os.Args, &os.ProcAttr{
		Env:   os.Environ(),
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if err != nil {
		return fmt.Errorf("failed to relaunch %s: %w", exe, err)
	}
	logger.Info().Int("pid", proc.Pid).Msg("relaunched updated binary, exiting")
	os.Exit(0)
	return nil
}
