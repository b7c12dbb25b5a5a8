package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"escrowflow/auth"
	"escrowflow/bootstrap"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/migrations"

	"github.com/spf13/cobra"
)

type options struct {
	configPath string
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "escrowctl",
		Short: "Operate the escrow engine: migrations, sweeps, outbox and accounts",
		Long: `escrowctl runs the background jobs of the escrow engine and a few
operator tasks. It reads the same config file and environment as the API.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", envOr("ESCROWFLOW_CONFIG", "config/escrowflow.yaml"), "path to the YAML config file")

	cmd.AddCommand(migrateCmd(opts))
	cmd.AddCommand(policiesCmd(opts))
	cmd.AddCommand(sweepCmd(opts))
	cmd.AddCommand(outboxCmd(opts))
	cmd.AddCommand(usersCmd(opts))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// withRuntime loads config, builds the runtime and cancels on SIGINT/SIGTERM.
func withRuntime(cmd *cobra.Command, opts *options, fn func(ctx context.Context, rt *bootstrap.Runtime) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, config.NewLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func migrateCmd(opts *options) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				sql, err := migrations.All()
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), sql)
				return err
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("migrate: DATABASE_URL is required")
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := migrations.Apply(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

func policiesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "Show the tier policy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			table, err := cfg.PolicyTable()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tTIER\tOBSERVATION DAYS\tCOMMITMENT %\tMILESTONES")
			for _, p := range table.Policies() {
				phases := make([]string, 0, len(p.MilestoneSchedule))
				for _, m := range p.MilestoneSchedule {
					phases = append(phases, fmt.Sprintf("%d:%s=%d%%", m.Phase, m.Label, m.Percent))
				}
				milestones := "-"
				if len(phases) > 0 {
					milestones = strings.Join(phases, " ")
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", p.Category, p.Tier, p.ObservationDays, p.CommitmentFeePercent, milestones)
			}
			return w.Flush()
		},
	}
}

func sweepCmd(opts *options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Auto-release entries whose observation or retention window has elapsed",
		Long: `sweep lists due entries and runs the auto-release check on each. With
REDIS_URL set, instances share a lease so only one runs a pass at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if !once {
					err := rt.Sweeper.Run(ctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				report, err := rt.Sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d released=%d failed=%d skipped=%t\n",
					report.Scanned, report.Released, report.Failed, report.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func outboxCmd(opts *options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Publish pending escrow events from the outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *bootstrap.Runtime) error {
				if rt.Outbox == nil {
					return errors.New("outbox: requires STORE=postgres")
				}
				if !once {
					err := rt.Outbox.Run(ctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				n, err := rt.Outbox.ProcessOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process a single batch and exit")
	return cmd
}

func usersCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage operator and party accounts",
	}
	cmd.AddCommand(usersCreateCmd(opts))
	return cmd
}

func usersCreateCmd(opts *options) *cobra.Command {
	var req auth.RegisterRequest
	var role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		Long: `Create an account. Staff roles are admin, support, booking and scheduler.
Client and provider accounts need --party, the id used on bookings.
The password is read from ESCROWCTL_PASSWORD when --password is empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Role = auth.Role(strings.ToLower(strings.TrimSpace(role)))
			if req.Password == "" {
				req.Password = os.Getenv("ESCROWCTL_PASSWORD")
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *bootstrap.Runtime) error {
				account, err := rt.Auth.Register(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) %s\n", account.Email, account.Role, account.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "login email")
	cmd.Flags().StringVar(&req.Password, "password", "", "password, at least 12 characters")
	cmd.Flags().StringVar(&req.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&role, "role", "", "account role")
	cmd.Flags().StringVar(&req.PartyID, "party", "", "party id for client and provider accounts")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
