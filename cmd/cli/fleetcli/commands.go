package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/core-tools/hsu-fleet/pkg/domain"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a one-line fleet summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFleet(func(ctx context.Context, fleet domain.Contract) error {
			status, err := fleet.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		})
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List groups with their scaling state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFleet(func(ctx context.Context, fleet domain.Contract) error {
			groups, err := fleet.ListGroups(ctx)
			if err != nil {
				return err
			}
			return printGroups(cmd.OutOrStdout(), groups, outputFormat)
		})
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers [group]",
	Short: "List tracked servers, optionally of one group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group := ""
		if len(args) == 1 {
			group = args[0]
		}
		return withFleet(func(ctx context.Context, fleet domain.Contract) error {
			servers, err := fleet.ListServers(ctx, group)
			if err != nil {
				return err
			}
			return printServers(cmd.OutOrStdout(), servers, outputFormat)
		})
	},
}

var scaleCmd = &cobra.Command{
	Use:   "scale <group> <up|down|pause|resume>",
	Short: "Scale a group manually or pause its automatic scaling",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := domain.ScaleDirection(strings.ToUpper(args[1]))
		return withFleet(func(ctx context.Context, fleet domain.Contract) error {
			if err := fleet.ScaleGroup(ctx, args[0], direction); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group %s: %s done\n", args[0], strings.ToLower(string(direction)))
			return nil
		})
	},
}

var commandCmd = &cobra.Command{
	Use:   "command <server> <command...>",
	Short: "Send a console command to a server plugin",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args[1:], " ")
		return withFleet(func(ctx context.Context, fleet domain.Contract) error {
			if err := fleet.SendCommand(ctx, args[0], command); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Command sent to %s\n", args[0])
			return nil
		})
	},
}

// serverActionCmd builds the start, stop, restart and remove commands
func serverActionCmd(action domain.ServerAction, short string) *cobra.Command {
	verb := strings.ToLower(string(action))
	return &cobra.Command{
		Use:   verb + " <server>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFleet(func(ctx context.Context, fleet domain.Contract) error {
				if err := fleet.ControlServer(ctx, args[0], action); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Server %s: %s done\n", args[0], verb)
				return nil
			})
		},
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(scaleCmd)
	rootCmd.AddCommand(commandCmd)

	rootCmd.AddCommand(serverActionCmd(domain.ServerActionStart, "Start a server, or launch a new one when given a group name"))
	rootCmd.AddCommand(serverActionCmd(domain.ServerActionStop, "Stop a server"))
	rootCmd.AddCommand(serverActionCmd(domain.ServerActionRestart, "Restart a server"))
	rootCmd.AddCommand(serverActionCmd(domain.ServerActionRemove, "Stop and delete a server"))
}
