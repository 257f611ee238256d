package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kursadbilgin/binding-engine/internal/app"
	"github.com/kursadbilgin/binding-engine/internal/config"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type cli struct {
	operator int64
	migrate  bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "bindctl",
		Short:         "Operate the number to IMSI binding engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().Int64Var(&c.operator, "operator", 0, "operator user id recorded on changes")
	root.PersistentFlags().BoolVar(&c.migrate, "migrate", false, "run schema migrations before the command")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(
		newRouteCmd(),
		c.newBindCmd(),
		c.newUnbindCmd(),
		c.newLookupCmd(),
		c.newStatsCmd(),
		c.newTaskCmd(),
	)
	return root
}

// run builds the engine for one command and closes it afterwards. Commands that
// submit tasks get a broker connection when RABBITMQ_URL is set.
func (c *cli) run(dispatch bool, fn func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if c.logLevel != "" {
			level = c.logLevel
		}
		logger, err := observability.NewLogger(level)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		engine, err := app.New(cfg, logger, app.Options{
			Migrate: c.migrate,
			Broker:  dispatch && cfg.RabbitMQURL != "",
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := engine.Close(); err != nil {
				logger.Warn("engine close failed", zap.Error(err))
			}
		}()

		return fn(c.context(cmd), cmd, engine)
	}
}

func (c *cli) context(cmd *cobra.Command) context.Context {
	ctx := observability.EnsureCorrelationID(cmd.Context())
	if c.operator > 0 {
		ctx = observability.WithOperator(ctx, c.operator)
	}
	return ctx
}

func printJSON(w io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}
