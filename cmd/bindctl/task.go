package main

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/binding-engine/internal/app"
	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"github.com/kursadbilgin/binding-engine/internal/service"
	"github.com/spf13/cobra"
)

func (c *cli) newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage batch bind and unbind tasks",
	}
	cmd.AddCommand(
		c.newTaskSubmitCmd(),
		c.taskAction("process", "Run a task in this process until it finishes", (*service.Orchestrator).Process),
		c.taskAction("cancel", "Stop a pending or running task", (*service.Orchestrator).Cancel),
		c.taskAction("retry", "Re-run the failed items of a FAILED task", (*service.Orchestrator).Retry),
		c.newTaskShowCmd(),
		c.newTaskRenameCmd(),
		c.newTaskDeleteCmd(),
		c.newTaskListCmd(),
	)
	return cmd
}

func (c *cli) newTaskSubmitCmd() *cobra.Command {
	var (
		file, name, taskType, bindingType, remark string
		orderID                                   int64
		process                                   bool
	)

	cmd := &cobra.Command{
		Use:   "submit [NUMBER:IMSI[:ICCID]...]",
		Short: "Create a batch task from a file or from arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := domain.ParseTaskTypeFromString(taskType)
			if err != nil {
				return err
			}
			var items []domain.BatchItem
			if file != "" {
				items, err = readItemsFile(file)
			} else {
				items, err = parseItemArgs(args)
			}
			if err != nil {
				return err
			}

			req := service.SubmitRequest{
				Name:  name,
				Type:  tt,
				Items: items,
				Params: domain.TaskParams{
					OrderID: optionalID(orderID),
					Remark:  optional(remark),
				},
			}
			if bindingType != "" {
				bt, err := domain.ParseBindingTypeFromString(bindingType)
				if err != nil {
					return err
				}
				req.Params.BindingType = bt
			}

			return c.run(!process, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
				task, err := engine.Orchestrator.Submit(ctx, req)
				if err != nil {
					return err
				}
				if process {
					if task, err = engine.Orchestrator.Process(ctx, task.ID); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), task)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "items file (.csv or .json)")
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&taskType, "type", "bind", "task type (bind, unbind)")
	cmd.Flags().StringVar(&bindingType, "binding-type", "", "binding type for bind tasks")
	cmd.Flags().StringVar(&remark, "remark", "", "remark stored on every binding")
	cmd.Flags().Int64Var(&orderID, "order-id", 0, "order id stored on every binding")
	cmd.Flags().BoolVar(&process, "process", false, "run the task here instead of dispatching it")
	return cmd
}

func (c *cli) taskAction(
	use, short string,
	action func(o *service.Orchestrator, ctx context.Context, taskID string) (*domain.BatchTask, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TASK_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(false, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
				task, err := action(engine.Orchestrator, ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})(cmd, args)
		},
	}
}

type taskShowOutput struct {
	*service.TaskView
	Details      []domain.BatchDetail `json:",omitempty"`
	DetailsTotal int64                `json:",omitempty"`
}

func (c *cli) newTaskShowCmd() *cobra.Command {
	var (
		details    bool
		status     string
		page, size int
	)

	cmd := &cobra.Command{
		Use:   "show TASK_ID",
		Short: "Print a task, its detail counts and optionally its details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *domain.DetailStatus
			if status != "" {
				ds, err := domain.ParseDetailStatusFromString(status)
				if err != nil {
					return err
				}
				filter = &ds
			}

			return c.run(false, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
				view, err := engine.Orchestrator.Get(ctx, args[0])
				if err != nil {
					return err
				}
				out := taskShowOutput{TaskView: view}
				if details || filter != nil {
					out.Details, out.DetailsTotal, err = engine.Orchestrator.ListDetails(ctx, args[0], filter, page, size)
					if err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), out)
			})(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&details, "details", false, "include task details")
	cmd.Flags().StringVar(&status, "status", "", "only details in this status (PENDING, SUCCESS, FAILED)")
	cmd.Flags().IntVar(&page, "page", 1, "detail page")
	cmd.Flags().IntVar(&size, "size", 50, "detail page size")
	return cmd
}

func (c *cli) newTaskRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename TASK_ID NAME",
		Short: "Rename a pending task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(false, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
				task, err := engine.Orchestrator.UpdateName(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})(cmd, args)
		},
	}
}

func (c *cli) newTaskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete TASK_ID",
		Short: "Delete a task that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(false, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
				if err := engine.Orchestrator.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})(cmd, args)
		},
	}
}

func (c *cli) newTaskListCmd() *cobra.Command {
	var (
		status, taskType string
		page, size       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := repository.TaskListParams{Page: page, PageSize: size}
			if status != "" {
				st, err := domain.ParseTaskStatusFromString(status)
				if err != nil {
					return err
				}
				params.Status = &st
			}
			if taskType != "" {
				tt, err := domain.ParseTaskTypeFromString(taskType)
				if err != nil {
					return err
				}
				params.Type = &tt
			}

			return c.run(false, func(ctx context.Context, cmd *cobra.Command, engine *app.Engine) error {
				tasks, total, err := engine.Orchestrator.ListTasks(ctx, params)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"items": tasks,
					"total": total,
					"page":  max(page, 1),
				})
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by type (bind, unbind)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", 50, "page size")
	return cmd
}
