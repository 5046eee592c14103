package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/orchestrator"
	"github.com/sells-group/stagegate/internal/sources"
	"github.com/sells-group/stagegate/internal/store"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage data source definitions",
}

var sourcesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update data sources from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("sources"); err != nil {
			return err
		}

		srcs, err := sources.LoadFile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertDataSources(ctx, srcs)
		if err != nil {
			return eris.Wrap(err, "sources import")
		}

		zap.L().Info("sources imported",
			zap.Int64("upserted", n),
			zap.String("file", args[0]),
		)
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List data sources and whether each is due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("sources"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		activeOnly, _ := cmd.Flags().GetBool("active")
		kindFlag, _ := cmd.Flags().GetString("type")
		filter := store.SourceFilter{ActiveOnly: activeOnly}
		if kindFlag != "" {
			kind, err := model.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			filter.Kind = kind
		}

		srcs, err := st.ListDataSources(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "sources list")
		}
		if len(srcs) == 0 {
			fmt.Fprintln(os.Stderr, "No data sources found.")
			return nil
		}

		formatSourcesList(os.Stdout, srcs, time.Now().UTC())
		return nil
	},
}

// formatSourcesList writes a tabular list of sources to w, marking which
// are due at now.
func formatSourcesList(out io.Writer, srcs []model.DataSource, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tKINDS\tACTIVE\tFREQUENCY\tLAST SCRAPED\tDUE")
	_, _ = fmt.Fprintln(w, "----\t----\t-----\t------\t---------\t------------\t---")

	for _, s := range srcs {
		kinds := make([]string, 0, 5)
		for _, k := range s.Kinds() {
			kinds = append(kinds, string(k))
		}
		last := "never"
		if s.LastScraped != nil {
			last = s.LastScraped.Format("2006-01-02 15:04")
		}
		due := "no"
		if s.Active && orchestrator.Due(s, now) {
			due = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			s.Name,
			s.Type,
			strings.Join(kinds, ","),
			s.Active,
			s.Frequency,
			last,
			due,
		)
	}
	_ = w.Flush()
}

func init() {
	sourcesListCmd.Flags().Bool("active", false, "only list active sources")
	sourcesListCmd.Flags().String("type", "", "only list sources supplying this kind")

	sourcesCmd.AddCommand(sourcesImportCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
	rootCmd.AddCommand(sourcesCmd)
}
