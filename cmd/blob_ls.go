// Handles the "mck blob ls" command

package cmd

import (
	"fmt"

	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/spf13/cobra"
)

var blobLsCmdConfig struct {
	prefix    string
	delimiter string
	marker    string
	max       int
	all       bool
}

var blobLsCmd = &cobra.Command{
	Use:   "ls CONTAINER",
	Short: "List the blobs in a container",
	Long: `List one page of blobs, or every page with --all. With a delimiter, common
prefixes are listed with a trailing "/" (or whatever the delimiter is).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := blobStore()
		if err != nil {
			return err
		}
		opts := mck.ListOptions{
			Prefix:     blobLsCmdConfig.prefix,
			Delimiter:  blobLsCmdConfig.delimiter,
			Marker:     blobLsCmdConfig.marker,
			MaxResults: blobLsCmdConfig.max,
		}
		for {
			page, err := store.List(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			for _, it := range page.Items {
				if it.Type == mck.StorageTypeRelativePath {
					fmt.Printf("%32s %10s %20s %s\n", "", "PRE", "", it.Name)
					continue
				}
				fmt.Printf("%32s %10d %20s %s\n", it.ETag, it.Size, it.LastModified.Format("2006-01-02 15:04:05"), it.Name)
			}
			if page.NextMarker == "" {
				return nil
			}
			if !blobLsCmdConfig.all {
				fmt.Println("next marker: " + page.NextMarker)
				return nil
			}
			opts.Marker = page.NextMarker
		}
	},
}

func init() {
	blobCmd.AddCommand(blobLsCmd)

	blobLsCmd.Flags().StringVarP(&blobLsCmdConfig.prefix, "prefix", "p", "", "only list names starting with prefix")
	blobLsCmd.Flags().StringVarP(&blobLsCmdConfig.delimiter, "delimiter", "d", "", "group names by the part up to the delimiter, e.g. /")
	blobLsCmd.Flags().StringVarP(&blobLsCmdConfig.marker, "marker", "m", "", "start after this name")
	blobLsCmd.Flags().IntVarP(&blobLsCmdConfig.max, "max", "n", 0, "page size (provider default when 0)")
	blobLsCmd.Flags().BoolVarP(&blobLsCmdConfig.all, "all", "a", false, "follow markers until the listing is complete")
}
