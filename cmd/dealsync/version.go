package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dealsync/dealsync/internal/protocol"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and protocol information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dealsync %s (%s %s/%s)\n",
			protocol.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
