package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agent-command/pilotd/internal/audit"
	"github.com/agent-command/pilotd/internal/backend"
	"github.com/agent-command/pilotd/internal/broker"
	"github.com/agent-command/pilotd/internal/config"
	"github.com/agent-command/pilotd/internal/lifecycle"
	"github.com/agent-command/pilotd/internal/mux"
	"github.com/agent-command/pilotd/internal/registry"
	"github.com/agent-command/pilotd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		machinesPath, _ := cmd.Flags().GetString("machines")
		return runServe(cfgPath, machinesPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "/etc/pilotd/config.yaml", "Daemon config file")
	serveCmd.Flags().String("machines", "/etc/pilotd/machines.yaml", "Machine registry file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfgPath, machinesPath string) error {
	cfg, err := loadConfigOrDefaults(cfgPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(machinesPath); os.IsNotExist(err) {
		log.Printf("machines: %s not found, running local-only", machinesPath)
		machinesPath = ""
	}
	machines, err := config.LoadMachines(machinesPath)
	if err != nil {
		return fmt.Errorf("load machines: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := machines.Watch(ctx); err != nil {
		log.Printf("machines: watch disabled: %v", err)
	}

	dialer := backend.NewDialer(&cfg.Tmux, &cfg.SSH, machines)

	reg := registry.New(cfg.Storage.StateDir, cfg.Sessions.Prefix)
	restored, err := reg.Recover(ctx, func(ctx context.Context, machineID, sessionName string) (bool, error) {
		b, err := dialer.For(machineID)
		if err != nil {
			return false, err
		}
		return b.HasSession(ctx, sessionName)
	})
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	if restored > 0 {
		log.Printf("registry: restored %d sessions", restored)
	}

	m := mux.New(&cfg.Tmux, &cfg.Server, dialer.For, cfg.Sessions.Prefix)
	m.SetActivityFunc(reg.Touch)

	brk := broker.New(&cfg.Broker,
		server.PermissionFanout{Mux: m},
		server.PaneKeys{Dial: dialer.For, Prefix: cfg.Sessions.Prefix})

	auditLog, err := audit.Open(cfg.Storage.AuditDB)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()
	brk.SetAudit(auditLog.Record)

	life := lifecycle.New(cfg, reg, machines, dialer.For)
	life.SetDetacher(m)

	srv := server.New(cfg, reg, m, brk, life, auditLog)
	return srv.Start(ctx)
}

func loadConfigOrDefaults(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("config: %s not found, using defaults", path)
			return config.DefaultConfig(), nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
