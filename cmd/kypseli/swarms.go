package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/spf13/cobra"
)

func newSwarmsCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "swarms",
		Short: "List stored swarms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			swarms, err := db.LoadSwarms(cmd.Context())
			if err != nil {
				return err
			}
			return printSwarms(cmd.OutOrStdout(), swarms, projectID)
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "only list swarms of this project")
	return cmd
}

func printSwarms(out io.Writer, swarms []swarm.Swarm, projectID string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tAGENTS\tTASKS\tDONE\tUPDATED")
	for _, sw := range swarms {
		if projectID != "" && sw.ProjectID != projectID {
			continue
		}
		done := 0
		for _, t := range sw.Tasks {
			if t.Status == swarm.TaskCompleted {
				done++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			sw.ID, sw.Name, sw.Status, len(sw.Agents), len(sw.Tasks), done, sw.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
