package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mihaisavezi/claude-gate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the translation gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for upstream details.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("Claude Gate Configuration Setup")

	reader := bufio.NewReader(os.Stdin)

	fmt.Printf("\nUpstream URL [%s]: ", config.DefaultUpstreamURL)
	baseURL, _ := reader.ReadString('\n')
	baseURL = strings.TrimSpace(baseURL)

	fmt.Print("Upstream API Key (optional, callers may supply their own): ")
	upstreamKey, _ := reader.ReadString('\n')
	upstreamKey = strings.TrimSpace(upstreamKey)

	fmt.Print("Gateway API Key (optional, for caller authentication): ")
	gatewayKey, _ := reader.ReadString('\n')
	gatewayKey = strings.TrimSpace(gatewayKey)

	cfg := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: gatewayKey,
		Upstream: config.Upstream{
			BaseURL: baseURL,
			APIKey:  upstreamKey,
		},
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}

	color.Green("Configuration saved to %s", cfgMgr.GetPath())

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg := cfgMgr.Get()

	shown := *cfg
	if shown.Upstream.APIKey != "" {
		shown.Upstream.APIKey = "<redacted>"
	}

	if shown.APIKey != "" {
		shown.APIKey = "<redacted>"
	}

	data, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}

	fmt.Println(string(data))

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg := cfgMgr.Get()

	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base URL is empty")
	}

	if !strings.HasPrefix(cfg.Upstream.BaseURL, "http://") && !strings.HasPrefix(cfg.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream base URL %q is not an HTTP URL", cfg.Upstream.BaseURL)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d is out of range", cfg.Port)
	}

	color.Green("Configuration is valid")

	return nil
}
