package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kursadbilgin/binding-engine/internal/app"
	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"github.com/kursadbilgin/binding-engine/internal/service"
	"github.com/kursadbilgin/binding-engine/internal/shard"
	"github.com/spf13/cobra"
)

func newRouteCmd() *cobra.Command {
	var base string

	cmd := &cobra.Command{
		Use:   "route NUMBER...",
		Short: "Print the partition each number routes to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			router, err := shard.NewRouter(base, shard.DefaultPrefixLength)
			if err != nil {
				return err
			}
			for _, number := range args {
				table, err := router.RouteTable(number)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", strings.TrimSpace(number), table)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", shard.DefaultBaseTable, "binding base table name")
	return cmd
}

type bindFlags struct {
	number, imsi, iccid, bindingType, remark string
	orderID                                  int64
}

func (c *cli) newBindCmd() *cobra.Command {
	var f bindFlags

	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Bind a number to an IMSI",
		RunE: c.run(false, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
			req := service.BindRequest{
				Number:  f.number,
				IMSI:    f.imsi,
				ICCID:   optional(f.iccid),
				OrderID: optionalID(f.orderID),
				Remark:  optional(f.remark),
			}
			if f.bindingType != "" {
				bt, err := domain.ParseBindingTypeFromString(f.bindingType)
				if err != nil {
					return err
				}
				req.Type = bt
			}
			binding, err := engine.Coordinator.Bind(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), binding)
		}),
	}
	cmd.Flags().StringVar(&f.number, "number", "", "number to bind")
	cmd.Flags().StringVar(&f.imsi, "imsi", "", "IMSI to bind")
	cmd.Flags().StringVar(&f.iccid, "iccid", "", "optional ICCID")
	cmd.Flags().StringVar(&f.bindingType, "type", "", "binding type (NORMAL, BATCH)")
	cmd.Flags().StringVar(&f.remark, "remark", "", "free-text remark")
	cmd.Flags().Int64Var(&f.orderID, "order-id", 0, "order id")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("imsi")
	return cmd
}

func (c *cli) newUnbindCmd() *cobra.Command {
	var f bindFlags

	cmd := &cobra.Command{
		Use:   "unbind",
		Short: "Release the active binding of a number",
		RunE: c.run(false, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
			binding, err := engine.Coordinator.Unbind(ctx, service.UnbindRequest{
				Number:        f.number,
				ExpectedIMSI:  optional(f.imsi),
				ExpectedICCID: optional(f.iccid),
				Remark:        optional(f.remark),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), binding)
		}),
	}
	cmd.Flags().StringVar(&f.number, "number", "", "number to unbind")
	cmd.Flags().StringVar(&f.imsi, "imsi", "", "IMSI the active binding must have")
	cmd.Flags().StringVar(&f.iccid, "iccid", "", "ICCID the active binding must have")
	cmd.Flags().StringVar(&f.remark, "remark", "", "free-text remark")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func (c *cli) newLookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Query bindings",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "number NUMBER",
			Short: "Active binding of a number",
			Args:  cobra.ExactArgs(1),
			RunE: c.lookup(func(ctx context.Context, engine *app.Engine, args []string) (any, error) {
				return engine.Queries.LookupByNumber(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "latest NUMBER",
			Short: "Most recent binding of a number in any status",
			Args:  cobra.ExactArgs(1),
			RunE: c.lookup(func(ctx context.Context, engine *app.Engine, args []string) (any, error) {
				return engine.Queries.FindLatestByNumber(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "imsi IMSI",
			Short: "Active binding of an IMSI across partitions",
			Args:  cobra.ExactArgs(1),
			RunE: c.lookup(func(ctx context.Context, engine *app.Engine, args []string) (any, error) {
				return engine.Queries.FindByIMSI(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "pair NUMBER IMSI",
			Short: "Active binding of a number and IMSI pair",
			Args:  cobra.ExactArgs(2),
			RunE: c.lookup(func(ctx context.Context, engine *app.Engine, args []string) (any, error) {
				return engine.Queries.FindByNumberAndIMSI(ctx, args[0], args[1])
			}),
		},
		&cobra.Command{
			Use:   "order ORDER_ID",
			Short: "Bindings created for an order",
			Args:  cobra.ExactArgs(1),
			RunE: c.lookup(func(ctx context.Context, engine *app.Engine, args []string) (any, error) {
				orderID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: order id %q", domain.ErrInvalidInput, args[0])
				}
				return engine.Queries.FindByOrderID(ctx, orderID)
			}),
		},
		c.newLookupPrefixCmd(),
	)
	return cmd
}

func (c *cli) newLookupPrefixCmd() *cobra.Command {
	var (
		page, size int
		status     string
	)

	cmd := &cobra.Command{
		Use:   "prefix PREFIX",
		Short: "Page through bindings whose number starts with PREFIX",
		Args:  cobra.ExactArgs(1),
		RunE: c.lookup(func(ctx context.Context, engine *app.Engine, args []string) (any, error) {
			params := repository.BindingListParams{Page: page, PageSize: size}
			if status != "" {
				st, err := domain.ParseBindingStatusFromString(status)
				if err != nil {
					return nil, err
				}
				params.Status = &st
			}
			return engine.Queries.ListByPrefix(ctx, args[0], params)
		}),
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 50, "page size")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (BOUND, UNBOUND)")
	return cmd
}

func (c *cli) lookup(fn func(ctx context.Context, engine *app.Engine, args []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return c.run(false, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
			result, err := fn(ctx, engine, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		})(cmd, args)
	}
}

func (c *cli) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Binding counts per partition and status",
		RunE: c.run(false, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
			report, err := engine.Queries.CountByStatus(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		}),
	}
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func optionalID(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}
