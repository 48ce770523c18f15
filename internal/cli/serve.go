package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/NetEase-Media/grps/internal/daemon"
)

var serveDir string

func init() {
	serveCmd.Flags().StringVar(&serveDir, "dir", "", "Deployment directory holding conf/ (defaults to the working directory)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the GRPS server",
	Long:  `Load conf/server.yml and conf/inference.yml, load every model and serve until terminated.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir := serveDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	d, err := daemon.New(workDir)
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}
