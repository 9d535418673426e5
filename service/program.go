// Package service runs the worker under the OS service manager or in the foreground.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kardianos/service"
	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"github.com/commission-vm/app"
	"github.com/commission-vm/config"
	"github.com/commission-vm/logging"
	"github.com/commission-vm/runner"
	"github.com/commission-vm/updater"
)

// Program implements service.Interface. Start opens the worker, serves the operator
// endpoints and schedules queue sweeps; Stop tears it all down.
type Program struct {
	Config *config.Config
	Logger *log.Logger
	// ConfigPath and EnvFile are passed back to the installed service.
	ConfigPath string
	EnvFile    string
	Version    string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	service service.Service
	app     *app.App
	cron    *cron.Cron
	updater *updater.Updater
}

func (p *Program) logger() *log.Logger {
	return logging.Component(p.Logger, "service")
}

// Start is called by the service manager, or by Run in the foreground.
func (p *Program) Start(s service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	if s != nil {
		p.service = s
	}

	a, err := app.New(p.ctx, p.Config, p.Logger)
	if err != nil {
		p.cancel()
		return fmt.Errorf("failed to start worker: %w", err)
	}
	p.app = a

	cl := cronLogger{logger: p.logger()}
	p.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if err := p.scheduleSweeps(); err != nil {
		p.cancel()
		a.Close()
		return err
	}
	if p.Config.Update.Auto {
		if err := p.scheduleUpdates(); err != nil {
			p.logger().Warn().Err(err).Msg("auto-update disabled")
		}
	}
	p.cron.Start()

	p.wg.Add(1)
	go p.run()

	p.logger().Info().Str("version", p.Version).Bool("interactive", service.Interactive()).Msg("worker started")
	return nil
}

// Stop is called when the service stops
func (p *Program) Stop(s service.Service) error {
	p.logger().Info().Msg("worker stopping")
	p.cancel()
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	p.wg.Wait()

	err := p.app.Close()
	p.logger().Info().Msg("worker stopped")
	return err
}

func (p *Program) run() {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger().Error().Interface("panic", r).Msg("serve loop panic recovered")
		}
	}()

	if err := p.app.Serve(p.ctx); err != nil {
		p.logger().Error().Err(err).Msg("operator endpoints stopped")
	}
}

func (p *Program) scheduleSweeps() error {
	users := p.Config.Schedule.Users
	if len(users) == 0 {
		p.logger().Info().Msg("no users scheduled, queue sweeps disabled")
		return nil
	}
	for _, user := range users {
		if _, err := p.cron.AddFunc(p.Config.Schedule.Spec, func() { p.sweep(user) }); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", p.Config.Schedule.Spec, err)
		}
	}
	p.logger().Info().Str("spec", p.Config.Schedule.Spec).Strs("users", users).Msg("queue sweeps scheduled")
	return nil
}

// sweep drains one user's waiting queue.
func (p *Program) sweep(user string) {
	res, err := p.app.Runner.RunBatch(p.ctx, user)
	switch {
	case errors.Is(err, runner.ErrBusy):
		p.logger().Info().Str("user_id", user).Msg("queue held by another worker, skipping sweep")
	case err != nil:
		p.logger().Error().Err(err).Str("user_id", user).Msg("queue sweep failed")
	case res.Total > 0:
		p.logger().Info().Str("user_id", user).Int("done", res.Done).Int("failed", res.Failed).Msg("queue sweep finished")
	}
}

// scheduleUpdates checks for a release shortly after start and then on the update interval.
func (p *Program) scheduleUpdates() error {
	u, err := updater.New(updater.FromConfig(p.Config.Update, p.Version), p.Logger)
	if err != nil {
		return err
	}
	if _, err := u.Schedule(p.ctx, p.cron, p.restartAfterUpdate); err != nil {
		return err
	}
	p.updater = u

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-time.After(updater.StartupDelay):
		case <-p.ctx.Done():
			return
		}
		updated, err := u.CheckAndUpdate(p.ctx)
		if err != nil {
			p.logger().Warn().Err(err).Msg("update failed")
			return
		}
		if updated {
			p.restartAfterUpdate()
		}
	}()
	return nil
}

// restartAfterUpdate hands the restart to the service manager when there is one.
func (p *Program) restartAfterUpdate() {
	if p.service == nil || service.Interactive() {
		if err := updater.Relaunch(p.Logger); err != nil {
			p.logger().Error().Err(err).Msg("failed to relaunch after update")
		}
		return
	}
	p.logger().Info().Msg("restarting service to load the new release")
	go func() {
		if err := p.service.Restart(); err != nil {
			p.logger().Error().Err(err).Msg("failed to restart service after update")
		}
	}()
}

// cronLogger routes cron's own logging through phuslu.
type cronLogger struct {
	logger *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug().KeysAndValues(keysAndValues...).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error().Err(err).KeysAndValues(keysAndValues...).Msg(msg)
}
