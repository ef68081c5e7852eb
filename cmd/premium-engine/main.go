package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/control"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/portfolio"
)

type options struct {
	configPath string
	envPath    string
	pretty     bool
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:           "premium-engine",
		Short:         "Options premium collection engine for wheels and put credit spreads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.yaml", "path to YAML config")
	root.PersistentFlags().StringVar(&opts.envPath, "env", ".env", "dotenv file with secrets")
	root.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human-readable console logs")

	root.AddCommand(runCmd(opts), reconcileCmd(opts), statusCmd(opts), scanCmd(opts))

	if err := root.Execute(); err != nil {
		observ.Error("command_failed", err, nil)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(opts *options) (config.Root, error) {
	if err := config.LoadEnv(opts.envPath); err != nil {
		return config.Root{}, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	observ.Init(cfg.LogLevel, opts.pretty)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCmd(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scan and monitor loops with the control server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Engine.DryRun = true
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			srv := control.NewServer(cfg.Control.ListenAddr, control.Deps{
				Engine: a.engine,
				Status: a.status,
				Gate:   a.gate,
				Store:  a.store,
			})
			srvErr := make(chan error, 1)
			go func() { srvErr <- srv.Start() }()

			runErr := make(chan error, 1)
			go func() { runErr <- a.engine.Run(ctx) }()

			select {
			case err = <-srvErr:
				a.engine.Shutdown()
				<-runErr
			case err = <-runErr:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				observ.Error("control_shutdown_failed", serr, nil)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "score and log candidates without submitting orders")
	return cmd
}

func reconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile local ledgers with broker holdings once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.reconciler.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func statusCmd(opts *options) *cobra.Command {
	var snapshot bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print open positions, reserved capital and per-kind totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if snapshot {
				s, err := portfolio.Load(filepath.Join(cfg.Store.Dir, "status.json"))
				if err != nil {
					return err
				}
				return printJSON(s)
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.status.Refresh(ctx)
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "read the last snapshot written by a running engine")
	return cmd
}

func scanCmd(opts *options) *cobra.Command {
	var (
		kind   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan cycle for a strategy kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Engine.DryRun = true
			}
			k := domain.Kind(kind)
			switch k {
			case domain.KindWheel:
				cfg.Wheel.Enabled = true
			case domain.KindSpread, "spread":
				k = domain.KindSpread
				cfg.Spread.Enabled = true
			default:
				return errors.New("--kind must be wheel or credit_spread")
			}
			ctx, stop := signalContext()
			defer stop()

			a, err := build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.engine.ScanNow(ctx, k)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindSpread), "wheel or credit_spread")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "score and log candidates without submitting orders")
	return cmd
}
