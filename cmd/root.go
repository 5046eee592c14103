package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/config"
)

// cfg is loaded once per invocation before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "stagegate",
	Short: "Scrape, stage, and review entertainment listings",
	Long: `stagegate pulls artists, venues, parks, festivals, and concerts from the
configured data sources into staging tables. Reviewers then approve rows into
production or reject them.`,
	SilenceUsage:      true,
	PersistentPreRunE: bootstrap,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "override log.level (debug, info, warn, error)")
}

// bootstrap loads STAGEGATE_* settings and swaps in the global logger.
func bootstrap(cmd *cobra.Command, _ []string) error {
	c, err := config.Load()
	if err != nil {
		return eris.Wrap(err, "stagegate: load config")
	}
	if lvl, _ := cmd.Root().PersistentFlags().GetString("log-level"); lvl != "" {
		c.Log.Level = lvl
	}
	if err := config.InitLogger(c.Log); err != nil {
		return eris.Wrap(err, "stagegate: init logger")
	}
	cfg = c
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
