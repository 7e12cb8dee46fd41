package cli

import (
	"github.com/spf13/cobra"

	"github.com/runloom/runloom/internal/api"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "runloom",
	Short: "Runloom - agent run execution and streaming engine",
	Long: `Runloom executes agent runs: it drives the reasoning loop against a
model provider, invokes registered tools, records every step in a
durable ledger and streams progress to live subscribers over SSE and
WebSocket.`,
	Version: api.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runloom/runloom.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}
