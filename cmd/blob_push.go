// Handles the "mck blob push/archive/restore" commands

package cmd

import (
	"fmt"

	"github.com/serverlessresearch/mck/pkg/mckmgr"
	"github.com/spf13/cobra"
)

var blobPushCmdConfig struct {
	concurrency int
}

var blobPushCmd = &cobra.Command{
	Use:   "push CONTAINER DIR",
	Short: "Upload every file under a directory",
	Long: `Upload every file under DIR, each as a blob named by its path relative to
DIR.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := mckManager.PushDir(cmd.Context(), args[0], args[1], blobPushCmdConfig.concurrency)
		if err != nil {
			return err
		}
		mckManager.Logger.Info(fmt.Sprintf("Pushed %d files to %s", len(names), args[0]))
		return nil
	},
}

var blobArchiveCmd = &cobra.Command{
	Use:   "archive CONTAINER NAME DIR",
	Short: "Store a directory as a single tar.gz blob",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		etag, err := mckManager.PushArchive(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Println(etag)
		return nil
	},
}

var blobRestoreCmd = &cobra.Command{
	Use:   "restore CONTAINER NAME DIR",
	Short: "Extract a blob made by archive into a directory",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := mckManager.PullArchive(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	},
}

func init() {
	blobCmd.AddCommand(blobPushCmd)
	blobCmd.AddCommand(blobArchiveCmd)
	blobCmd.AddCommand(blobRestoreCmd)

	blobPushCmd.Flags().IntVarP(&blobPushCmdConfig.concurrency, "concurrency", "c", mckmgr.DefaultPushConcurrency, "uploads to run at once")
}
