package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wereadbot/internal/app"
	"wereadbot/internal/config"
	"wereadbot/internal/session"
	logx "wereadbot/pkg/logx"
	"wereadbot/pkg/systemd"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "wereadbot",
		Short:         "Paced reading sessions behind a small control API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $WEREAD_CONFIG or config.yaml)")

	serve := newServeCmd(&cfgPath)
	root.RunE = serve.RunE

	root.AddCommand(serve)
	root.AddCommand(newRunCmd(&cfgPath))
	root.AddCommand(newConfigCmd(&cfgPath))
	root.AddCommand(newVersionCmd())
	return root
}

func loadOptions(cfgPath string, http bool) (app.Options, error) {
	env, err := config.ParseEnv()
	if err != nil {
		return app.Options{}, err
	}
	return app.Options{ConfigPath: cfgPath, Env: env, HTTP: http}, nil
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API, schedule and daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadOptions(*cfgPath, true)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(opts)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			log := a.Logger()
			if _, err := systemd.Ready(); err != nil {
				log.Warn("sd_notify ready failed", logx.Err(err))
			}
			_, _ = systemd.Status("serving on " + a.Addr())
			a.Supervisor().Go0("systemd.watchdog", func(c context.Context) {
				systemd.Watchdog(c, func(err error) {
					log.Warn("sd_notify watchdog failed", logx.Err(err))
				})
			})

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}
			_, _ = systemd.Stopping()

			timeout := 10 * time.Second
			if s, err := a.Config().Settings(); err == nil {
				timeout = s.Server.ShutdownTimeoutOrDefault()
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var override string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reading session in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var tree config.Tree
			if override != "" {
				if err := json.Unmarshal([]byte(override), &tree); err != nil {
					return fmt.Errorf("--override: %w", err)
				}
			}
			opts, err := loadOptions(*cfgPath, false)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(opts)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			st, runErr := a.RunSession(ctx, tree)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, app.StopAppStop)
			if runErr != nil {
				return runErr
			}

			out, _ := json.MarshalIndent(st, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if st.Status == session.Failed {
				return fmt.Errorf("session failed: %s", st.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&override, "override", "", `JSON object merged over the config, e.g. '{"reading":{"target_duration":"5-10"}}'`)
	return cmd
}

func openStore(cfgPath string) (*config.Store, error) {
	if cfgPath == "" {
		env, err := config.ParseEnv()
		if err != nil {
			return nil, err
		}
		cfgPath = env.ConfigPath
	}
	s := config.NewStore(cfgPath)
	if _, err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func newConfigCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect or reset the config file"}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			b, err := config.EncodeTree(s.Get())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cmd.Context(), s.Raw()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid:", s.Path())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Overwrite the config file with defaults",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			if err := s.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config reset:", s.Path())
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "wereadbot", version)
		},
	}
}
