package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		instances, err := apiClient().List(cmd.Context())
		if err != nil {
			return err
		}
		if len(instances) == 0 {
			fmt.Println("No instances found.")
			return nil
		}

		fmt.Printf("%-24s %-12s %-16s %s\n", "NAME", "STATE", "IPV4", "RESOURCES")
		for _, inst := range instances {
			state := inst.State
			if inst.Deleted {
				state = "Deleted"
			}
			ipv4 := inst.IPv4
			if ipv4 == "" {
				ipv4 = "--"
			}
			resources := fmt.Sprintf("%d CPU, %s, %s", inst.CPUs, inst.Memory, inst.Disk)
			fmt.Printf("%-24s %-12s %-16s %s\n", inst.Name, state, ipv4, resources)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show details about an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := apiClient().Info(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Name:    %s\n", inst.Name)
		fmt.Printf("State:   %s\n", inst.State)
		if inst.Deleted {
			fmt.Printf("Deleted: yes (recoverable until purge)\n")
		}
		if inst.IPv4 != "" {
			fmt.Printf("IPv4:    %s\n", inst.IPv4)
		}
		fmt.Printf("CPUs:    %d\n", inst.CPUs)
		fmt.Printf("Memory:  %s\n", inst.Memory)
		fmt.Printf("Disk:    %s\n", inst.Disk)
		for i, m := range inst.Mounts {
			if i == 0 {
				fmt.Println("Mounts:")
			}
			fmt.Printf("  %s => %s\n", m.SourcePath, m.TargetPath)
		}
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "List images and workflows available for launch",
	RunE: func(cmd *cobra.Command, args []string) error {
		workflows, err := apiClient().Find(cmd.Context())
		if err != nil {
			return err
		}
		if len(workflows) == 0 {
			fmt.Println("No workflows available.")
			return nil
		}

		fmt.Printf("%-32s %s\n", "NAME", "DESCRIPTION")
		for _, w := range workflows {
			fmt.Printf("%-32s %s\n", w.Name, w.Description)
		}
		return nil
	},
}

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List host interfaces available for bridging",
	RunE: func(cmd *cobra.Command, args []string) error {
		ifaces, err := apiClient().Networks(cmd.Context())
		if err != nil {
			return err
		}
		if len(ifaces) == 0 {
			fmt.Println("No suitable interfaces found.")
			return nil
		}

		fmt.Printf("%-16s %-12s %s\n", "ID", "TYPE", "DESCRIPTION")
		for _, ni := range ifaces {
			fmt.Printf("%-16s %-12s %s\n", ni.ID, ni.Type, ni.Description)
		}
		return nil
	},
}

var sshInfoCmd = &cobra.Command{
	Use:   "ssh-info <name>",
	Short: "Show SSH connection details for a running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		details, err := apiClient().SSHInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Host:     %s\n", details.Host)
		fmt.Printf("Port:     %d\n", details.Port)
		fmt.Printf("Username: %s\n", details.Username)
		fmt.Printf("\nssh %s@%s\n", details.Username, details.Host)
		return nil
	},
}

var mountCmd = &cobra.Command{
	Use:   "mount <source> <name>:<target>",
	Short: "Record a host directory mount in an instance",
	Long: `Record a mount of a host directory into an instance.

The target is given as <instance>:<path inside the instance>.

Example:
  cirrus mount /home/user/src dev:/mnt/src`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := args[0]
		name, target, found := strings.Cut(args[1], ":")
		if !found || name == "" || target == "" {
			return fmt.Errorf("target must be <instance>:<path>, got %q", args[1])
		}
		return apiClient().Mount(cmd.Context(), name, source, target)
	},
}

var umountCmd = &cobra.Command{
	Use:   "umount <name>[:<target>]",
	Short: "Remove mounts from an instance",
	Long: `Remove the mount at the given target path, or every mount of the
instance when no target is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, target, _ := strings.Cut(args[0], ":")
		if name == "" {
			return fmt.Errorf("an instance name is required")
		}
		return apiClient().Umount(cmd.Context(), name, target)
	},
}
