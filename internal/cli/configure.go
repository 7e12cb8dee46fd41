package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runloom/runloom/internal/config"
)

var (
	configureProvider string
	configureModel    string
	configureAPIKey   string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the configuration file",
	Long: `Write a configuration file with sensible defaults. Pass flags to set
the model provider and API key; everything else can be edited in the
generated JSON afterwards.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureProvider, "provider", "", "model provider (anthropic or openai)")
	configureCmd.Flags().StringVar(&configureModel, "model", "", "model name")
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "provider API key")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	// Start from the existing file when present so reconfiguring does
	// not wipe hand-edited settings.
	cfg, err := loader.Load()
	if err != nil {
		cfg = config.DefaultConfig()
	}

	if configureProvider != "" {
		cfg.Model.Provider = configureProvider
	}
	if configureModel != "" {
		cfg.Model.Name = configureModel
	}
	if configureAPIKey != "" {
		cfg.Model.APIKey = configureAPIKey
	}

	if cfg.Model.APIKey != "" {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Configuration saved to: %s\n", loader.Path())
	if cfg.Model.APIKey == "" {
		fmt.Println("No API key set. Set model.api_key in the file or export RUNLOOM_API_KEY before serving.")
	}
	fmt.Println("Start the server with: runloom serve")
	return nil
}
