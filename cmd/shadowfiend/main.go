package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shadowfiend",
		Short:         "Billing reconciliation for OpenStack projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newProcessorCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
