package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xfeldman/cirrus/internal/client"
)

var (
	launchName    string
	launchCPUs    int
	launchMemory  string
	launchDisk    string
	launchNets    []string
	launchRelease string
)

var launchCmd = &cobra.Command{
	Use:   "launch [image]",
	Short: "Create and start a new instance",
	Long: `Create and start a new instance from an Ubuntu release alias, an image
URL, an oci: reference, or a workflow name.

With no image argument the default LTS release is used. Omitted resource
flags fall back to the daemon's defaults (1 CPU, 1G memory, 5G disk) or
to the workflow's minimums.

Examples:
  cirrus launch
  cirrus launch jammy --name dev --cpus 2 --memory 2G --disk 10G
  cirrus launch docker
  cirrus launch --network id=br0,mac=52:54:00:12:34:56`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.LaunchRequest{
			Name:   launchName,
			CPUs:   launchCPUs,
			Memory: launchMemory,
			Disk:   launchDisk,
		}
		if len(args) == 1 {
			req.Release = args[0]
		} else {
			req.Release = launchRelease
		}
		for _, spec := range launchNets {
			n, err := parseNetworkFlag(spec)
			if err != nil {
				return err
			}
			req.Networks = append(req.Networks, n)
		}

		inst, err := apiClient().Launch(cmd.Context(), req, renderProgress)
		finishProgress()
		if err != nil {
			return err
		}
		fmt.Printf("Launched: %s\n", inst.Name)
		return nil
	},
}

func init() {
	launchCmd.Flags().StringVarP(&launchName, "name", "n", "", "name for the instance (default: generated)")
	launchCmd.Flags().IntVarP(&launchCPUs, "cpus", "c", 0, "number of CPUs")
	launchCmd.Flags().StringVarP(&launchMemory, "memory", "m", "", "memory size, e.g. 2G")
	launchCmd.Flags().StringVarP(&launchDisk, "disk", "d", "", "disk size, e.g. 10G")
	launchCmd.Flags().StringArrayVar(&launchNets, "network", nil,
		"extra interface as id=<host-if>[,mac=<addr>][,auto=<bool>]; repeatable")
	launchCmd.Flags().StringVar(&launchRelease, "release", "", "image alias, URL, or workflow name")
}

// parseNetworkFlag parses one --network value.
func parseNetworkFlag(spec string) (client.NetworkRequest, error) {
	n := client.NetworkRequest{Auto: true}
	for _, part := range strings.Split(spec, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			// A bare value is the interface ID.
			key, value = "id", part
		}
		switch key {
		case "id", "name":
			n.ID = value
		case "mac":
			n.MAC = value
		case "auto":
			n.Auto = value != "false"
		default:
			return client.NetworkRequest{}, fmt.Errorf("unknown network option %q", key)
		}
	}
	if n.ID == "" {
		return client.NetworkRequest{}, fmt.Errorf("network %q: an interface id is required", spec)
	}
	return n, nil
}

var progressShown bool

// renderProgress draws one-line progress updates for the launch stream.
func renderProgress(kind string, percent int) {
	progressShown = true
	label := kind
	switch kind {
	case "download":
		label = "Retrieving image"
	case "prepare":
		label = "Preparing image"
	}
	if percent < 0 {
		fmt.Printf("\r%s...", label)
		return
	}
	fmt.Printf("\r%s: %d%%", label, percent)
}

func finishProgress() {
	if progressShown {
		fmt.Println()
		progressShown = false
	}
}
