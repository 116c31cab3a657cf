// Handles the "mck compute" command and its subcommands

package cmd

import (
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/spf13/cobra"
)

// computeCmd represents the compute command
var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Compute node interaction",
	Long:  `Commands for dealing with your configured compute provider.`,
}

func computeService() (mck.ComputeService, error) {
	if mckManager.Provider.Compute == nil {
		return nil, errors.New("the configured provider has no compute service")
	}
	return mckManager.Provider.Compute, nil
}

func printNode(n *mck.NodeMetadata) {
	fmt.Printf("%-20s %-24s %-11s %-14s %-16s %s\n", n.ID, n.Name, n.State, n.Location,
		strings.Join(n.PublicAddresses, ","), strings.Join(n.PrivateAddresses, ","))
}

var computeNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List nodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := computeService()
		if err != nil {
			return err
		}
		nodes, err := svc.ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		for i := range nodes {
			printNode(&nodes[i])
		}
		return nil
	},
}

var computeImagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := computeService()
		if err != nil {
			return err
		}
		images, err := svc.ListImages(cmd.Context())
		if err != nil {
			return err
		}
		for _, img := range images {
			fmt.Printf("%-20s %-32s %-8s %-8s %t\n", img.ID, img.Name, img.OS, img.Architecture, img.Available)
		}
		return nil
	},
}

var computeCreateCmdConfig struct {
	image          string
	hardware       string
	location       string
	keyName        string
	securityGroups string
	userData       string
	tags           string
}

var computeCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Launch a node",
	Long: `Launch a node. Image and hardware default to the service configuration
when not given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := computeService()
		if err != nil {
			return err
		}
		template := mck.NodeTemplate{
			Name:           args[0],
			ImageID:        computeCreateCmdConfig.image,
			Hardware:       computeCreateCmdConfig.hardware,
			Location:       computeCreateCmdConfig.location,
			KeyName:        computeCreateCmdConfig.keyName,
			SecurityGroups: parseList(computeCreateCmdConfig.securityGroups),
			Tags:           parseKeyValue(computeCreateCmdConfig.tags),
		}
		if computeCreateCmdConfig.userData != "" {
			if template.UserData, err = ioutil.ReadFile(computeCreateCmdConfig.userData); err != nil {
				return errors.Wrap(err, "Failed to read user data")
			}
		}

		node, err := svc.CreateNode(cmd.Context(), template)
		if err != nil {
			return errors.Wrap(err, "Create command failed")
		}
		printNode(node)
		return nil
	},
}

var computeDestroyCmd = &cobra.Command{
	Use:   "destroy ID...",
	Short: "Terminate nodes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := computeService()
		if err != nil {
			return err
		}
		for _, id := range args {
			if err := svc.DestroyNode(cmd.Context(), id); err != nil {
				return err
			}
			mckManager.Logger.Info("Destroyed node " + id)
		}
		return nil
	},
}

var computeRebootCmd = &cobra.Command{
	Use:   "reboot ID...",
	Short: "Reboot nodes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := computeService()
		if err != nil {
			return err
		}
		for _, id := range args {
			if err := svc.RebootNode(cmd.Context(), id); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(computeCmd)
	computeCmd.AddCommand(computeNodesCmd)
	computeCmd.AddCommand(computeImagesCmd)
	computeCmd.AddCommand(computeCreateCmd)
	computeCmd.AddCommand(computeDestroyCmd)
	computeCmd.AddCommand(computeRebootCmd)

	computeCreateCmd.Flags().StringVarP(&computeCreateCmdConfig.image, "image", "i", "", "image to boot")
	computeCreateCmd.Flags().StringVarP(&computeCreateCmdConfig.hardware, "hardware", "t", "", "instance type or flavor")
	computeCreateCmd.Flags().StringVarP(&computeCreateCmdConfig.location, "location", "l", "", "availability zone")
	computeCreateCmd.Flags().StringVarP(&computeCreateCmdConfig.keyName, "key-name", "k", "", "ssh key pair to install")
	computeCreateCmd.Flags().StringVarP(&computeCreateCmdConfig.securityGroups, "security-groups", "g", "", "comma separated security groups")
	computeCreateCmd.Flags().StringVarP(&computeCreateCmdConfig.userData, "user-data", "u", "", "file passed to the node as user data")
	computeCreateCmd.Flags().StringVar(&computeCreateCmdConfig.tags, "tags", "", "tags: key1=value1,key2=value2")
}
