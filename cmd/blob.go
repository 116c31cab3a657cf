// Handles the "mck blob" command and its container level subcommands

package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/spf13/cobra"
)

// blobCmd represents the blob command
var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Blob storage interaction",
	Long:  `Commands for dealing with your configured blob storage provider.`,
}

func blobStore() (mck.BlobStore, error) {
	if mckManager.Provider.Blob == nil {
		return nil, errors.New("the configured provider has no blob service")
	}
	return mckManager.Provider.Blob, nil
}

var blobContainersCmd = &cobra.Command{
	Use:   "containers",
	Short: "List containers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blobStore()
		if err != nil {
			return err
		}
		containers, err := store.ListContainers(cmd.Context())
		if err != nil {
			return err
		}
		for _, c := range containers {
			fmt.Println(c.Name)
		}
		return nil
	},
}

var blobMbCmd = &cobra.Command{
	Use:   "mb CONTAINER",
	Short: "Create a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blobStore()
		if err != nil {
			return err
		}
		created, err := store.CreateContainer(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !created {
			mckManager.Logger.Info("Container " + args[0] + " already exists")
		}
		return nil
	},
}

var blobRbCmd = &cobra.Command{
	Use:   "rb CONTAINER",
	Short: "Delete a container",
	Long:  `Delete a container. Most providers refuse to delete one that isn't empty.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blobStore()
		if err != nil {
			return err
		}
		return store.DeleteContainer(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(blobCmd)
	blobCmd.AddCommand(blobContainersCmd)
	blobCmd.AddCommand(blobMbCmd)
	blobCmd.AddCommand(blobRbCmd)
}
