package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Approve, reject, list, and export staged records",
}

func reviewDecision(action review.Action, short string) *cobra.Command {
	c := &cobra.Command{
		Use:   string(action) + " <table> <id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := cfg.Validate("review"); err != nil {
				return err
			}

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			req := review.Request{Table: args[0], ID: args[1], Action: string(action)}
			if cmd.Flags().Changed("notes") {
				notes, _ := cmd.Flags().GetString("notes")
				req.Notes = &notes
			}

			// CLI operators hold database credentials and are trusted as admins.
			res, err := review.NewService(st).Review(ctx, req, true)
			if err != nil {
				return err
			}

			zap.L().Info("review applied",
				zap.String("kind", string(res.Kind)),
				zap.String("id", res.ID),
				zap.String("status", string(res.Status)),
			)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	c.Flags().String("notes", "", "review notes stored with the decision")
	return c
}

var reviewListCmd = &cobra.Command{
	Use:   "list <table>",
	Short: "List staged records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("review"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		rows, err := review.NewService(st).List(ctx, args[0], status, limit, 0)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No staged records found.")
			return nil
		}
		formatStagedList(os.Stdout, rows)
		return nil
	},
}

var reviewExportCmd = &cobra.Command{
	Use:   "export <table>",
	Short: "Export staged records as CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("review"); err != nil {
			return err
		}

		kind, err := model.ParseKind(args[0])
		if err != nil {
			return err
		}
		statusFlag, _ := cmd.Flags().GetString("status")
		var status model.ReviewStatus
		if statusFlag != "" {
			s, ok := model.ParseReviewStatus(statusFlag)
			if !ok {
				return eris.Errorf("unknown status %q", statusFlag)
			}
			status = s
		}
		limit, _ := cmd.Flags().GetInt("limit")
		outPath, _ := cmd.Flags().GetString("out")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var w io.Writer = os.Stdout
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return eris.Wrap(err, "create export file")
			}
			defer f.Close() //nolint:errcheck
			w = f
		}

		n, err := review.NewService(st).ExportCSV(ctx, w, kind, status, limit)
		if err != nil {
			return err
		}
		zap.L().Info("export complete",
			zap.String("kind", string(kind)),
			zap.Int("rows", n),
			zap.String("out", outPath),
		)
		return nil
	},
}

// formatStagedList writes a tabular list of staged records to w.
func formatStagedList(out io.Writer, rows []model.StagedEntity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSOURCE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t-------")
	for _, r := range rows {
		name := r.Fields.Name()
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			name,
			r.Status,
			r.SourceURL,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	reviewListCmd.Flags().String("status", "pending", "filter by review status (pending, approved, rejected; empty for all)")
	reviewListCmd.Flags().Int("limit", 50, "max number of records to display")

	reviewExportCmd.Flags().String("status", "", "filter by review status")
	reviewExportCmd.Flags().Int("limit", review.MaxListLimit, "max number of records to export")
	reviewExportCmd.Flags().String("out", "", "output file (default stdout)")

	reviewCmd.AddCommand(reviewDecision(review.ActionApprove, "Approve a pending staged record into production"))
	reviewCmd.AddCommand(reviewDecision(review.ActionReject, "Reject a pending staged record"))
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewExportCmd)
	rootCmd.AddCommand(reviewCmd)
}
