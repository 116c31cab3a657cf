// Handles the "mck blob put/get/stat/rm" commands

package cmd

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/spf13/cobra"
)

var blobPutCmdConfig struct {
	name        string
	contentType string
	meta        string
}

var blobPutCmd = &cobra.Command{
	Use:   "put CONTAINER FILE",
	Short: "Upload a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blobStore()
		if err != nil {
			return err
		}
		payload, err := ioutil.ReadFile(args[1])
		if err != nil {
			return errors.Wrap(err, "Failed to read "+args[1])
		}

		name := blobPutCmdConfig.name
		if name == "" {
			name = filepath.Base(args[1])
		}
		blob := mck.NewBlob(name, payload)
		blob.Metadata.ContentType = blobPutCmdConfig.contentType
		blob.Metadata.UserMetadata = parseKeyValue(blobPutCmdConfig.meta)

		etag, err := store.PutBlob(cmd.Context(), args[0], blob)
		if err != nil {
			return err
		}
		mckManager.Logger.WithField("etag", etag).Info("Uploaded " + args[0] + "/" + name)
		return nil
	},
}

var blobGetCmdConfig struct {
	output string
}

var blobGetCmd = &cobra.Command{
	Use:   "get CONTAINER NAME",
	Short: "Download a blob",
	Long:  `Download a blob to --output, or to stdout when no output is given.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blobStore()
		if err != nil {
			return err
		}
		blob, err := store.GetBlob(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if blobGetCmdConfig.output == "" {
			_, err = os.Stdout.Write(blob.Payload)
			return err
		}
		return ioutil.WriteFile(blobGetCmdConfig.output, blob.Payload, 0644)
	},
}

var blobStatCmd = &cobra.Command{
	Use:   "stat CONTAINER NAME",
	Short: "Show a blob's metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blobStore()
		if err != nil {
			return err
		}
		md, err := store.BlobMetadata(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Name:          %s\n", md.Name)
		fmt.Printf("Size:          %d\n", md.Size)
		fmt.Printf("Content-Type:  %s\n", md.ContentType)
		fmt.Printf("ETag:          %s\n", md.ETag)
		fmt.Printf("Last-Modified: %s\n", md.LastModified)
		keys := make([]string, 0, len(md.UserMetadata))
		for k := range md.UserMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("Meta %s: %s\n", k, md.UserMetadata[k])
		}
		return nil
	},
}

var blobRmCmd = &cobra.Command{
	Use:   "rm CONTAINER NAME...",
	Short: "Remove blobs",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blobStore()
		if err != nil {
			return err
		}
		for _, name := range args[1:] {
			if err := store.RemoveBlob(cmd.Context(), args[0], name); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	blobCmd.AddCommand(blobPutCmd)
	blobCmd.AddCommand(blobGetCmd)
	blobCmd.AddCommand(blobStatCmd)
	blobCmd.AddCommand(blobRmCmd)

	blobPutCmd.Flags().StringVarP(&blobPutCmdConfig.name, "name", "n", "", "blob name, if different than the file name")
	blobPutCmd.Flags().StringVarP(&blobPutCmdConfig.contentType, "content-type", "t", "", "content type to store")
	blobPutCmd.Flags().StringVarP(&blobPutCmdConfig.meta, "meta", "m", "", "user metadata: key1=value1,key2=value2")
	blobGetCmd.Flags().StringVarP(&blobGetCmdConfig.output, "output", "o", "", "file to write")
}
