package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/phuslu/log"
	"github.com/urfave/cli/v3"

	"github.com/commission-vm/app"
	"github.com/commission-vm/apperr"
	"github.com/commission-vm/config"
	"github.com/commission-vm/logging"
	"github.com/commission-vm/model"
	"github.com/commission-vm/obs"
	"github.com/commission-vm/runner"
	"github.com/commission-vm/server"
	"github.com/commission-vm/service"
	"github.com/commission-vm/sites"
	"github.com/commission-vm/updater"
)

// env is what every command that touches the worker needs.
type env struct {
	cfg      *config.Config
	logger   *log.Logger
	shutdown obs.Shutdown
}

func setup(ctx context.Context, cmd *cli.Command) (*env, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env-file"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "load config", err)
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	shutdown, err := obs.InitTracing(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
		shutdown = func(context.Context) error { return nil }
	}
	obs.SetAppInfo(server.Version)
	return &env{cfg: cfg, logger: logger, shutdown: shutdown}, nil
}

func (e *env) close(ctx context.Context) {
	if err := e.shutdown(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn().Err(err).Msg("tracer shutdown failed")
	}
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printJSON(cmd *cli.Command, v any) error {
	enc := json.NewEncoder(out(cmd))
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runInput builds the validated run input from flags, falling back to config defaults.
func runInput(cmd *cli.Command, cfg *config.Config) (runner.Input, error) {
	in := runner.Input{
		Mode:              cmd.String("mode"),
		UserID:            cmd.String("user"),
		SiteID:            cmd.String("site"),
		Month:             cmd.String("month"),
		HandleOTP:         cfg.OTP.Handle,
		OTP:               cmd.String("otp"),
		CredentialsSource: cmd.String("credentials-source"),
		MappingFile:       cmd.String("mapping-file"),
		Credential: model.Credential{
			Username: cmd.String("username"),
			Password: cmd.String("password"),
			ID:       cmd.String("id"),
			License:  cmd.String("license"),
			Phone:    cmd.String("phone"),
			Email:    cmd.String("email"),
			Agency:   cmd.String("agency"),
		},
	}
	if cmd.IsSet("handle-otp") {
		in.HandleOTP = cmd.Bool("handle-otp")
	}
	if in.MappingFile == "" {
		in.MappingFile = cfg.Credentials.MappingFile
	}
	if err := in.Normalize(); err != nil {
		return in, apperr.Wrap(apperr.KindConfiguration, "validate run input", err)
	}
	return in, nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	in, err := runInput(cmd, e.cfg)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	creds, err := runner.CredentialSource(in, a.Store)
	if err != nil {
		return err
	}
	a.Runner.Credentials = creds
	a.Runner.HandleOTP = in.HandleOTP

	if cmd.Bool("listen") {
		srvCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.Serve(srvCtx); err != nil {
				e.logger.Warn().Err(err).Msg("OTP exchange not available for this run")
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	if in.Mode == runner.ModeBatch {
		res, err := a.Runner.RunBatch(ctx, in.UserID)
		if err != nil {
			return err
		}
		failures := map[string]string{}
		for id, jobErr := range res.Errors {
			failures[id] = jobErr.Error()
		}
		return printJSON(cmd, map[string]any{
			"user":   res.UserID,
			"total":  res.Total,
			"done":   res.Done,
			"failed": res.Failed,
			"errors": failures,
		})
	}

	res, err := a.Runner.RunAdHoc(ctx, in, creds)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	return runService(ctx, cmd, "run")
}

func serviceCommands() []*cli.Command {
	var cmds []*cli.Command
	for _, name := range service.Commands {
		cmds = append(cmds, &cli.Command{
			Name:  name,
			Usage: name + " the " + service.ServiceName + " service",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return runService(ctx, cmd, name)
			},
		})
	}
	return cmds
}

func runService(ctx context.Context, cmd *cli.Command, name string) error {
	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	// Under the service manager stdout goes nowhere, so log next to the binary.
	if name == "run" && cmd.Name == "run" && e.cfg.Logging.File == "" {
		if path, err := logging.ServiceLogFile(); err == nil {
			e.cfg.Logging.File = path
			if l, err := logging.New(e.cfg.Logging); err == nil {
				e.logger = l
			}
		}
	}

	prg := &service.Program{
		Config:     e.cfg,
		Logger:     e.logger,
		ConfigPath: cmd.String("config"),
		EnvFile:    cmd.String("env-file"),
		Version:    server.Version,
	}
	return service.RunServiceCommand(name, prg, e.logger)
}

func otpClient(cmd *cli.Command) (*server.Client, error) {
	addr := cmd.String("addr")
	if addr == "" {
		cfg, err := config.Load(cmd.String("config"), cmd.String("env-file"))
		if err != nil {
			return nil, err
		}
		addr = "localhost:" + cfg.Server.GRPCPort
	}
	return server.Dial(addr)
}

func otpSubmitAction(ctx context.Context, cmd *cli.Command) error {
	c, err := otpClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SubmitOtp(ctx, cmd.String("job"), cmd.String("site"), cmd.String("code")); err != nil {
		return fmt.Errorf("submit otp: %w", err)
	}
	fmt.Fprintf(out(cmd), "code submitted for job %s on %s\n", cmd.String("job"), cmd.String("site"))
	return nil
}

func otpPendingAction(ctx context.Context, cmd *cli.Command) error {
	c, err := otpClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	reqs, err := c.PendingOtp(ctx)
	if err != nil {
		return fmt.Errorf("list pending otp: %w", err)
	}
	w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSITE\tSTATUS\tPHONE\tSINCE")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.JobID, r.SiteID, r.Status, r.PhoneLastDigits, r.CreatedAt.Local().Format("15:04:05"))
	}
	return w.Flush()
}

func sitesAction(_ context.Context, cmd *cli.Command) error {
	catalog := sites.Default()
	cfg, err := config.Load(cmd.String("config"), cmd.String("env-file"))
	if err != nil {
		return err
	}
	if cfg.Sites.OverridesFile != "" {
		if catalog, err = sites.LoadOverrides(catalog, cfg.Sites.OverridesFile); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tOTP\tLOGIN")
	for _, id := range catalog.IDs() {
		s, _ := catalog.Get(id)
		otp := "no"
		if s.NeedsOTP {
			otp = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, otp, s.LoginURL)
	}
	return w.Flush()
}

func versionAction(_ context.Context, cmd *cli.Command) error {
	fmt.Fprintf(out(cmd), "commission-vm %s\n", server.Version)
	return nil
}

func updateAction(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	u, err := updater.New(updater.FromConfig(e.cfg.Update, server.Version), e.logger)
	if err != nil {
		return err
	}
	if cmd.Bool("check") {
		release, newer, err := u.Latest(ctx)
		if err != nil {
			return err
		}
		if !newer {
			fmt.Fprintf(out(cmd), "commission-vm %s is up to date\n", server.Version)
			return nil
		}
		fmt.Fprintf(out(cmd), "commission-vm %s is available (running %s)\n", release.Version(), server.Version)
		return nil
	}

	updated, err := u.CheckAndUpdate(ctx)
	if err != nil || !updated {
		return err
	}
	if !cmd.Bool("restart") {
		return nil
	}
	prg := &service.Program{
		Config:     e.cfg,
		Logger:     e.logger,
		ConfigPath: cmd.String("config"),
		EnvFile:    cmd.String("env-file"),
		Version:    server.Version,
	}
	return service.RunServiceCommand("restart", prg, e.logger)
}
