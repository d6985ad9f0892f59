package cli

import (
	"github.com/spf13/cobra"

	"github.com/lazypower/cortex/internal/remote"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:           "cortex",
	Short:         "Adaptive personal knowledge graph",
	Long:          "Cortex turns notes into a knowledge graph whose edge weights and entity types adapt to how it is used.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.cortex/config.toml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $CORTEX_URL or http://127.0.0.1:37778)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(adaptationsCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(schemaCmd)
}

func client() *remote.Client {
	return remote.NewClient(serverURL)
}
