package service

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/phuslu/log"

	svc "github.com/kardianos/service"
)

// Commands are the verbs RunServiceCommand accepts.
var Commands = []string{"install", "uninstall", "start", "stop", "restart", "status", "run"}

// Manager binds a Program to the platform service manager.
type Manager struct {
	service svc.Service
	program *Program
}

func NewManager(prg *Program) (*Manager, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	s, err := svc.New(prg, NewServiceConfig(exePath, buildServiceArgs(prg)))
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	prg.service = s
	return &Manager{service: s, program: prg}, nil
}

// buildServiceArgs is the command line the service manager starts the binary with.
func buildServiceArgs(prg *Program) []string {
	var args []string
	if prg.ConfigPath != "" {
		args = append(args, "--config", absPath(prg.ConfigPath))
	}
	if prg.EnvFile != "" {
		args = append(args, "--env-file", absPath(prg.EnvFile))
	}
	return append(args, "service", "run")
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Run blocks until the service manager, or an interrupt in the foreground, stops the program.
func (m *Manager) Run() error { return m.service.Run() }

func (m *Manager) Status() (svc.Status, error) { return m.service.Status() }

// Control performs one of install, uninstall, start, stop or restart.
func (m *Manager) Control(action string) error {
	if action == "uninstall" {
		// Uninstalling a running service leaves it orphaned on some platforms.
		_ = m.service.Stop()
	}
	if err := svc.Control(m.service, action); err != nil {
		return fmt.Errorf("failed to %s service: %w", action, err)
	}
	return nil
}

// RunServiceCommand runs one of Commands against the OS service for prg.
func RunServiceCommand(cmd string, prg *Program, logger *log.Logger) error {
	if !slices.Contains(Commands, cmd) {
		return fmt.Errorf("unknown service command: %s (valid: %s)", cmd, strings.Join(Commands, ", "))
	}
	mgr, err := NewManager(prg)
	if err != nil {
		return err
	}

	switch cmd {
	case "run":
		return mgr.Run()
	case "status":
		status, err := mgr.Status()
		if err != nil {
			return fmt.Errorf("failed to get service status: %w", err)
		}
		logger.Info().Str("service", ServiceName).Str("status", statusString(status)).Msg("service status")
		return nil
	}

	if err := mgr.Control(cmd); err != nil {
		return err
	}
	logger.Info().Str("service", ServiceName).Str("action", cmd).Msg(doneMessage(cmd))
	return nil
}

func doneMessage(action string) string {
	switch action {
	case "install":
		return "service installed; start it with: commission-vm service start"
	case "stop":
		return "service stopped"
	default:
		return "service " + strings.TrimSuffix(action, "e") + "ed"
	}
}

func statusString(status svc.Status) string {
	switch status {
	case svc.StatusRunning:
		return "running"
	case svc.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
