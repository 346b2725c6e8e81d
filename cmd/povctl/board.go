package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pov-board/domain"
)

func newBoardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "board <phaseId>",
		Short: "Show the stages and tasks of a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := a.newClient(a.cfg).FetchStages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printBoard(cmd.OutOrStdout(), stages)
			return nil
		},
	}
}

// printBoard writes one block per stage in board order:
//
//	[0] Backlog (ACTIVE) s1
//	    0  t1  Write plan  HIGH  @ana  due 2026-03-01
func printBoard(w io.Writer, stages []domain.Stage) {
	if len(stages) == 0 {
		fmt.Fprintln(w, "Board is empty.")
		return
	}
	for _, s := range stages {
		fmt.Fprintf(w, "[%d] %s (%s) %s\n", s.Order, s.Name, s.Status, s.ID)
		if len(s.Tasks) == 0 {
			fmt.Fprintln(w, "    (no tasks)")
			continue
		}
		for _, t := range s.Tasks {
			fmt.Fprintf(w, "    %d  %s\n", t.Order, taskLine(t))
		}
	}
}

func taskLine(t domain.Task) string {
	parts := []string{t.ID, t.Title}
	if t.Priority != "" {
		parts = append(parts, string(t.Priority))
	}
	if t.Assignee != nil {
		name := t.Assignee.Name
		if name == "" {
			name = t.Assignee.ID
		}
		parts = append(parts, "@"+name)
	}
	if t.DueDate != nil {
		parts = append(parts, "due "+t.DueDate.Format("2006-01-02"))
	}
	return strings.Join(parts, "  ")
}
