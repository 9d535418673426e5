package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"github.com/urfave/cli/v3"

	"github.com/commission-vm/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "commission-vm",
		Usage: "download monthly commission reports from insurance agent portals",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML config file",
				Value:   config.DefaultFile,
				Sources: cli.EnvVars("CVM_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: ".env file loaded before environment overrides",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run one report download, or drain a user's waiting queue",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Usage: "single or batch", Value: "single"},
					&cli.StringFlag{Name: "user", Usage: "user id", Required: true},
					&cli.StringFlag{Name: "site", Usage: "site id (single mode)"},
					&cli.StringFlag{Name: "month", Usage: "report month, YYYY-MM (single mode)"},
					&cli.BoolFlag{Name: "handle-otp", Usage: "wait for OTP codes when the site asks for one (default from config)"},
					&cli.StringFlag{Name: "otp", Usage: "code to enter if none is submitted while waiting (single mode)", Sources: cli.EnvVars("CVM_OTP")},
					&cli.StringFlag{Name: "credentials-source", Usage: "manual, mapping or store", Value: "store"},
					&cli.StringFlag{Name: "mapping-file", Usage: "credentials mapping file (mapping source)"},
					&cli.StringFlag{Name: "username", Sources: cli.EnvVars("CVM_USERNAME")},
					&cli.StringFlag{Name: "password", Sources: cli.EnvVars("CVM_PASSWORD")},
					&cli.StringFlag{Name: "id", Usage: "national id"},
					&cli.StringFlag{Name: "license", Usage: "agent license number"},
					&cli.StringFlag{Name: "phone"},
					&cli.StringFlag{Name: "email"},
					&cli.StringFlag{Name: "agency"},
					&cli.BoolFlag{Name: "listen", Usage: "serve the OTP exchange while the run lasts", Value: true},
				},
				Action: runAction,
			},
			{
				Name:   "serve",
				Usage:  "run the worker in the foreground: OTP exchange, operator feed, metrics and scheduled sweeps",
				Action: serveAction,
			},
			{
				Name:  "otp",
				Usage: "talk to a running worker's OTP exchange",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "worker gRPC address (default localhost:<server.grpc_port>)"},
				},
				Commands: []*cli.Command{
					{
						Name:  "submit",
						Usage: "submit the code a portal sent for a job",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "job", Required: true},
							&cli.StringFlag{Name: "site", Required: true},
							&cli.StringFlag{Name: "code", Required: true},
						},
						Action: otpSubmitAction,
					},
					{
						Name:   "pending",
						Usage:  "list OTP requests waiting for a code",
						Action: otpPendingAction,
					},
				},
			},
			{
				Name:   "sites",
				Usage:  "list the supported portals",
				Action: sitesAction,
			},
			{
				Name:     "service",
				Usage:    "manage the OS service",
				Commands: serviceCommands(),
			},
			{
				Name:  "update",
				Usage: "check GitHub for a newer release and install it",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "check", Usage: "only report whether an update is available"},
					&cli.BoolFlag{Name: "restart", Usage: "restart the installed service after updating"},
				},
				Action: updateAction,
			},
			{
				Name:   "version",
				Usage:  "print the version",
				Action: versionAction,
			},
		},
	}
}
