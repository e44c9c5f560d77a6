package cache

import "github.com/spf13/cobra"

var Command = &cobra.Command{
	Use:     "cache",
	Aliases: []string{"c"},
	Short:   "Inspect and clean the repodata cache",
}

func init() {
	Command.AddCommand(cleanCmd, lsCmd)
}
