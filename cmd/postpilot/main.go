package main

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	cfgPath string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:           "postpilot",
	Short:         "Plan and publish content to social accounts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional; real environment variables win
		_ = godotenv.Load()
		if !cmd.Flags().Changed("config") {
			if v := strings.TrimSpace(os.Getenv("POSTPILOT_CONFIG")); v != "" {
				cfgPath = v
			}
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("postpilot", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "config file (json or yaml); $POSTPILOT_CONFIG")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.AddCommand(
		serveCmd,
		submitCmd,
		bulkCmd,
		rescheduleCmd,
		cancelCmd,
		capacityCmd,
		alertsCmd,
		statusCmd,
		itemsCmd,
		accountCmd,
		migrateLegacyCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
