package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pov-board/client"
	"pov-board/domain"
	"pov-board/reorder"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the tasks of a phase",
	}
	cmd.AddCommand(newTaskMoveCmd(a))
	cmd.AddCommand(newTaskAddCmd(a))
	return cmd
}

func newTaskMoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "move <phaseId> <taskId> <toStageId> <index>",
		Short: "Move a task to position <index> of a stage",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			phaseID, taskID, toStage := args[0], args[1], args[2]
			index, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}

			eng, err := a.engine(cmd.Context(), phaseID)
			if err != nil {
				return err
			}
			fromStage, _, err := reorder.FindTask(eng.Stages(), taskID)
			if err != nil {
				return err
			}
			if _, err := eng.MoveTask(cmd.Context(), taskID, fromStage, toStage, index); err != nil {
				return err
			}
			if err := settle(eng); err != nil {
				return err
			}
			printBoard(cmd.OutOrStdout(), eng.Stages())
			return nil
		},
	}
}

func newTaskAddCmd(a *app) *cobra.Command {
	var (
		in       client.TaskInput
		priority string
		assignee string
		due      string
	)
	cmd := &cobra.Command{
		Use:   "add <phaseId> <stageId> <title>",
		Short: "Append a task to the end of a stage",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Title = args[2]
			if priority != "" {
				p := domain.Priority(strings.ToUpper(priority))
				if !p.Valid() {
					return fmt.Errorf("unknown priority %q", priority)
				}
				in.Priority = p
			}
			if assignee != "" {
				in.Assignee = &domain.Assignee{ID: assignee}
			}
			if due != "" {
				d, err := time.Parse("2006-01-02", due)
				if err != nil {
					return fmt.Errorf("due: %w", err)
				}
				in.DueDate = &d
			}

			task, err := a.newClient(a.cfg).CreateTask(cmd.Context(), args[0], args[1], in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task %s at position %d of %s\n", task.ID, task.Order, args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Description, "description", "", "task description")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, MEDIUM, HIGH or CRITICAL")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	return cmd
}
