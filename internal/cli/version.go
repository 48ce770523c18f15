package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NetEase-Media/grps/internal/daemon"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the GRPS version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(daemon.Version)
	},
}
