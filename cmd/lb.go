// Handles the "mck lb" command and its subcommands

package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/spf13/cobra"
)

var lbCmd = &cobra.Command{
	Use:   "lb",
	Short: "Load balancer interaction",
	Long:  `Commands for dealing with your configured load balancer provider.`,
}

func lbService() (mck.LoadBalancerService, error) {
	if mckManager.Provider.LoadBalancer == nil {
		return nil, errors.New("the configured provider has no load balancer service")
	}
	return mckManager.Provider.LoadBalancer, nil
}

// parseListener reads PROTOCOL:PORT[:INSTANCEPORT], e.g. HTTP:80:8080.
func parseListener(s string) (mck.Listener, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return mck.Listener{}, errors.Errorf("invalid listener %q, expected PROTOCOL:PORT[:INSTANCEPORT]", s)
	}
	l := mck.Listener{Protocol: strings.ToUpper(parts[0])}
	var err error
	if l.Port, err = strconv.Atoi(parts[1]); err != nil {
		return l, errors.Wrapf(err, "invalid listener port in %q", s)
	}
	l.InstancePort = l.Port
	if len(parts) == 3 {
		if l.InstancePort, err = strconv.Atoi(parts[2]); err != nil {
			return l, errors.Wrapf(err, "invalid instance port in %q", s)
		}
	}
	return l, nil
}

var lbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List load balancers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := lbService()
		if err != nil {
			return err
		}
		lbs, err := svc.ListLoadBalancers(cmd.Context())
		if err != nil {
			return err
		}
		for _, lb := range lbs {
			var listeners []string
			for _, l := range lb.Listeners {
				listeners = append(listeners, fmt.Sprintf("%s:%d:%d", l.Protocol, l.Port, l.InstancePort))
			}
			fmt.Printf("%-24s %-48s %-24s %s\n", lb.Name, lb.DNSName, strings.Join(listeners, ","), strings.Join(lb.NodeIDs, ","))
		}
		return nil
	},
}

var lbCreateCmdConfig struct {
	listeners string
	locations string
	nodes     string
}

var lbCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a load balancer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := lbService()
		if err != nil {
			return err
		}
		spec := mck.LoadBalancerSpec{
			Name:      args[0],
			Locations: parseList(lbCreateCmdConfig.locations),
			NodeIDs:   parseList(lbCreateCmdConfig.nodes),
		}
		for _, s := range parseList(lbCreateCmdConfig.listeners) {
			l, err := parseListener(s)
			if err != nil {
				return err
			}
			spec.Listeners = append(spec.Listeners, l)
		}

		lb, err := svc.CreateLoadBalancer(cmd.Context(), spec)
		if err != nil {
			return errors.Wrap(err, "Create command failed")
		}
		fmt.Println(lb.DNSName)
		return nil
	},
}

var lbRegisterCmd = &cobra.Command{
	Use:   "register NAME NODE...",
	Short: "Add nodes to a load balancer",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := lbService()
		if err != nil {
			return err
		}
		return svc.RegisterNodes(cmd.Context(), args[0], args[1:])
	},
}

var lbDestroyCmd = &cobra.Command{
	Use:   "destroy NAME",
	Short: "Delete a load balancer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := lbService()
		if err != nil {
			return err
		}
		return svc.DestroyLoadBalancer(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(lbCmd)
	lbCmd.AddCommand(lbListCmd)
	lbCmd.AddCommand(lbCreateCmd)
	lbCmd.AddCommand(lbRegisterCmd)
	lbCmd.AddCommand(lbDestroyCmd)

	lbCreateCmd.Flags().StringVarP(&lbCreateCmdConfig.listeners, "listeners", "l", "HTTP:80", "comma separated PROTOCOL:PORT[:INSTANCEPORT]")
	lbCreateCmd.Flags().StringVarP(&lbCreateCmdConfig.locations, "locations", "z", "", "comma separated availability zones")
	lbCreateCmd.Flags().StringVarP(&lbCreateCmdConfig.nodes, "nodes", "n", "", "comma separated nodes to register")
}
