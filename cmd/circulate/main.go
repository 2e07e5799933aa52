package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/circulate/internal/app"
	"github.com/mistakeknot/circulate/internal/auth"
	"github.com/mistakeknot/circulate/internal/cli"
	"github.com/mistakeknot/circulate/internal/config"
	"github.com/mistakeknot/circulate/internal/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "circulate",
		Short:         "Library circulation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $"+config.EnvConfigPath+")")
	root.AddCommand(
		serveCmd(&configPath),
		sweepCmd(&configPath),
		initCmd(),
		tokenCmd(&configPath),
		bookCmd(&configPath),
		repairCmd(&configPath),
	)
	return root
}

// openApp loads the config and builds the application without serving.
func openApp(configPath string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, cfg.NewLogger(os.Stderr))
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, *configPath)
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Serve(cmd.Context())
}

func sweepCmd(configPath *string) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep now and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			var runs []func(context.Context) (sweeper.Report, error)
			switch kind {
			case "overdue":
				runs = append(runs, a.Sweeper.RunOverdue)
			case "reminders":
				runs = append(runs, a.Sweeper.RunReminders)
			case "all":
				runs = append(runs, a.Sweeper.RunOverdue, a.Sweeper.RunReminders)
			default:
				return fmt.Errorf("--kind must be overdue, reminders or all, got %q", kind)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, run := range runs {
				rep, err := run(cmd.Context())
				if err != nil {
					return err
				}
				if err := enc.Encode(rep); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "all", "overdue, reminders or all")
	return cmd
}

func initCmd() *cobra.Command {
	var user, role, keysFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an API key for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysFile, user, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user: %s\nkey: %s\nkeys file: %s\n", user, key, keysFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "member or admin")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file path")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	var user, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), user, role, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", auth.RoleMember, "member or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func bookCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{Use: "book", Short: "Manage the catalogue"}

	var id, title string
	var copies int
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a title",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			book, err := a.Ledger.Register(cmd.Context(), id, title, copies)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(book)
		},
	}
	add.Flags().StringVar(&id, "id", "", "book id")
	add.Flags().StringVar(&title, "title", "", "title")
	add.Flags().IntVar(&copies, "copies", 1, "number of copies")
	_ = add.MarkFlagRequired("id")

	var resizeID string
	var total int
	resize := &cobra.Command{
		Use:   "resize",
		Short: "Change the number of copies of a title",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			book, err := a.Ledger.ResizeTotal(cmd.Context(), resizeID, total)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(book)
		},
	}
	resize.Flags().StringVar(&resizeID, "id", "", "book id")
	resize.Flags().IntVar(&total, "copies", 0, "new total")
	_ = resize.MarkFlagRequired("id")
	_ = resize.MarkFlagRequired("copies")

	cmd.AddCommand(add, resize)
	return cmd
}

func repairCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Close loans that carry a return time but are not marked returned",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			fixed, err := a.Machine.Repair(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "repaired %d loan(s)\n", len(fixed))
			for _, id := range fixed {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
