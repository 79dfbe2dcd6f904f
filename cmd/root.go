// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with KVREL, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.Reset()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("KVREL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/kvrel", "$HOME/.kvrel", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// a missing config file is not an error; flags and environment variables still apply
	_ = viper.ReadInConfig()

	command := &cobra.Command{
		Use:   "kvrel",
		Short: "Bidirectional relation indexes over an ordered key-value store",
		Long: `Bidirectional relation indexes over an ordered key-value store.

kvrel stores items in collections and links items of two collections under named relations.
Related items can be listed in the order they were linked or in key order.`,
		SilenceUsage: true,
	}

	bindRootFlags(command)

	return command
}
