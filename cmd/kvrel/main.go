package main

import (
	"os"

	"github.com/openfga/kvrel/cmd"
	"github.com/openfga/kvrel/cmd/items"
	"github.com/openfga/kvrel/cmd/migrate"
	"github.com/openfga/kvrel/cmd/relations"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	rootCmd.AddCommand(migrate.NewMigrateCommand())
	rootCmd.AddCommand(items.NewPutCommand())
	rootCmd.AddCommand(items.NewGetCommand())
	rootCmd.AddCommand(relations.NewLinkCommand())
	rootCmd.AddCommand(relations.NewUnlinkCommand())
	rootCmd.AddCommand(relations.NewListCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
