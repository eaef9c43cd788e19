// Package configcmder provides the config command for managing persistent
// codexusage configuration stored in the .codexusage/ directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent codexusage configuration.

Configuration is stored as config.toml in the .codexusage/ directory and
provides default values for command flags. CLI flags always take precedence
over config file values, and environment variables sit between the two.

Keys use dotted notation matching the TOML section structure:
  server.listen_addr, server.public_base_path, server.upstream_base_url,
  server.request_log_path, storage.database_path,
  display.recent_events_capacity, display.refresh_hz,
  ingest.session_log_path, eventstream.brokers, eventstream.topic

Use subcommands to get, set, or list configuration values:
  codexusage config set <key> <value>    Set a configuration value
  codexusage config get <key>            Get a configuration value
  codexusage config list                 List all configuration values

Examples:
  codexusage config set server.upstream_base_url https://api.openai.com/v1
  codexusage config set display.refresh_hz 4
  codexusage config get server.listen_addr
  codexusage config list`

const configShortDesc string = "Manage persistent codexusage configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
