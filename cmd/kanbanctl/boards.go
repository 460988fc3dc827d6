package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/CrowderSoup/kanban-sync/models"
	"github.com/CrowderSoup/kanban-sync/realtime"
)

func boardsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "boards",
		Short: "List boards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			boards, err := c.Backend().Boards.Select(cmd.Context(), models.Filter{})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tUPDATED")
			for _, b := range boards {
				fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, b.Name, b.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func createBoardCmd(a *app) *cobra.Command {
	var columns []string
	cmd := &cobra.Command{
		Use:   "create-board [name]",
		Short: "Create a board, optionally with columns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			if err := realtime.ValidateBoardName(name); err != nil {
				return err
			}
			for _, col := range columns {
				if err := realtime.ValidateColumnName(col); err != nil {
					return fmt.Errorf("column %q: %w", col, err)
				}
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			backend := c.Backend()
			board, err := backend.Boards.Insert(cmd.Context(), models.Board{Name: strings.TrimSpace(name)})
			if err != nil {
				return err
			}
			for _, col := range columns {
				if _, err := backend.Columns.Insert(cmd.Context(), models.Column{BoardID: board.ID, Name: strings.TrimSpace(col)}); err != nil {
					return fmt.Errorf("board %s created, but column %q failed: %w", board.ID, col, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), board.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&columns, "columns", "c", []string{"To Do", "In Progress", "Done"}, "initial columns")
	return cmd
}
