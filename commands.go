package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ObiAU/alertrelay/internal/bus"
	"github.com/ObiAU/alertrelay/internal/config"
	"github.com/ObiAU/alertrelay/internal/logging"
	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/pipeline"
	"github.com/ObiAU/alertrelay/internal/scheduler"
	"github.com/ObiAU/alertrelay/internal/server"
)

// targetFlags are shared by the commands that address one source.
type targetFlags struct {
	tenant string
	kind   string
	id     int64
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "Tenant slug")
	cmd.Flags().StringVar(&f.kind, "kind", "", "Source kind: mailbox or metric")
	cmd.Flags().Int64Var(&f.id, "id", 0, "Source configuration id")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("id")
}

func (f *targetFlags) request() (bus.RunRequest, error) {
	req := bus.RunRequest{Tenant: f.tenant, Kind: models.SourceKind(f.kind), ID: f.id}
	return req, req.Validate()
}

func (f *targetFlags) resolve(ctx context.Context, a *app) (pipeline.Target, error) {
	req, err := f.request()
	if err != nil {
		return pipeline.Target{}, err
	}
	return a.runner.ResolveTarget(ctx, req.Tenant, req.Kind, req.ID)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, bot polling, admin API and bus listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sched := scheduler.New(a.runner, scheduler.Options{
				Tick:         cfg.SchedulerTick,
				MaxAttempts:  cfg.RunMaxAttempts,
				RetryBackoff: cfg.RunRetryBackoff,
				Retention:    cfg.Retention(),
			}, a.logger)
			srv := server.New(":"+cfg.ServerPort, a.store, a.runner, sched, a.cache, a.logger)

			g, ctx := errgroup.WithContext(cmd.Context())

			if cfg.NATSURL != "" {
				sub, err := bus.NewSubscriber(cfg.NATSURL, a.logger)
				if err != nil {
					return err
				}
				defer sub.Close()
				_, err = sub.Subscribe(cfg.NATSSubject, func(req bus.RunRequest) error {
					target, err := a.runner.ResolveTarget(ctx, req.Tenant, req.Kind, req.ID)
					if err != nil {
						return err
					}
					return sched.Trigger(target)
				})
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", cfg.NATSSubject, err)
				}
				a.logger.Info("listening for run requests", zap.String("subject", cfg.NATSSubject))
			}

			g.Go(func() error { return sched.Run(ctx) })
			g.Go(func() error { return srv.Run(ctx) })
			g.Go(func() error { return a.pollBots(ctx, false) })

			a.logger.Info("alertrelay started", zap.String("version", version))
			err = g.Wait()
			a.logger.Info("alertrelay stopped")
			return err
		},
	}
}

func botCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Only answer bot commands (/register, /get_chat_id, /start, /help)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.pollBots(cmd.Context(), true)
		},
	}
}

// pollBots long-polls every configured bot until ctx is done.
func (a *app) pollBots(ctx context.Context, required bool) error {
	bots, err := a.bots.All(ctx)
	if err != nil {
		return fmt.Errorf("load bots: %w", err)
	}
	if len(bots) == 0 {
		if required {
			return errors.New("no bots configured: set TELEGRAM_BOT_TOKEN or declare bots in the config file")
		}
		a.logger.Warn("no bots configured, bot commands are disabled")
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, bot := range bots {
		bot := bot
		g.Go(func() error {
			err := bot.Poll(ctx, a.handleMessage)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func runCmd(cfg *config.Config) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one source configuration once",
		Long: `Run one source configuration once and print its run log.

Examples:
  alertrelay run --tenant acme --kind mailbox --id 1
  alertrelay run --tenant acme --kind metric --id 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			target, err := flags.resolve(cmd.Context(), a)
			if err != nil {
				return err
			}
			entry, err := a.runner.RunTarget(cmd.Context(), target)
			if perr := printJSON(cmd, entry); perr != nil {
				return perr
			}
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func triggerCmd(cfg *config.Config) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running server to run one source now, over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.NATSURL == "" {
				return errors.New("NATS_URL is not set")
			}
			req, err := flags.request()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			pub, err := bus.NewPublisher(cfg.NATSURL, logger)
			if err != nil {
				return err
			}
			defer pub.Close()
			if err := pub.Publish(cfg.NATSSubject, req); err != nil {
				return fmt.Errorf("publish run request: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requested run of %s/%s/%d\n", req.Tenant, req.Kind, req.ID)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func testSourceCmd(cfg *config.Config) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "test-source",
		Short: "Check connectivity of one source without processing records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			target, err := flags.resolve(cmd.Context(), a)
			if err != nil {
				return err
			}
			report, err := a.runner.TestSource(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("%s: %w", target, err)
			}
			return printJSON(cmd, report)
		},
	}
	flags.register(cmd)
	return cmd
}

func codesCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage chat registration codes",
	}

	var (
		tenantSlug string
		userID     int64
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a single-use registration code for a tenant",
		Long: `Issue a registration code. A chat member sends /register CODE to a
bot to bind that chat to the tenant. Codes expire after seven days.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			tenant, err := a.tenant(cmd.Context(), tenantSlug)
			if err != nil {
				return err
			}
			code, err := a.registration.Issue(cmd.Context(), tenant, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (expires %s)\n", code.Code, code.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	create.Flags().StringVar(&tenantSlug, "tenant", "", "Tenant slug")
	create.Flags().Int64Var(&userID, "user", 0, "User to link to the registered chat")
	_ = create.MarkFlagRequired("tenant")

	cmd.AddCommand(create)
	return cmd
}

func retryCmd(cfg *config.Config) *cobra.Command {
	var (
		tenantSlug string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-dispatch a tenant's failed alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			tenant, err := a.tenant(cmd.Context(), tenantSlug)
			if err != nil {
				return err
			}
			res, err := a.runner.RetryFailed(cmd.Context(), tenant, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&tenantSlug, "tenant", "", "Tenant slug")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum alerts to retry")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func pruneCmd(cfg *config.Config) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete sent alerts and run logs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days > 0 {
				cfg.RetentionDays = days
			}
			if cfg.RetentionDays <= 0 {
				return errors.New("retention must be at least one day")
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.runner.Prune(cmd.Context(), cfg.Retention())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Override RETENTION_DAYS")
	return cmd
}
