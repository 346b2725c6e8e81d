package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"pov-board/domain"
)

func newStageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Manage the stages of a phase",
	}
	cmd.AddCommand(newStageMoveCmd(a))
	cmd.AddCommand(newStageAddCmd(a))
	return cmd
}

func newStageMoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "move <phaseId> <from> <to>",
		Short: "Move the stage at position <from> to position <to>",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("from: %w", err)
			}
			to, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("to: %w", err)
			}

			eng, err := a.engine(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if _, err := eng.MoveStage(cmd.Context(), from, to); err != nil {
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

func newStageAddCmd(a *app) *cobra.Command {
	var description, status string
	cmd := &cobra.Command{
		Use:   "add <phaseId> <name>",
		Short: "Append a stage to the end of the board",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.StageStatus(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			stage, err := a.newClient(a.cfg).CreateStage(cmd.Context(), args[0], args[1], description, st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created stage %s at position %d\n", stage.ID, stage.Order)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "stage description")
	cmd.Flags().StringVar(&status, "status", "", "PENDING, ACTIVE, COMPLETED or BLOCKED")
	return cmd
}
