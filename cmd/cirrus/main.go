// cirrus is the CLI for the cirrusd VM management daemon.
//
// It talks to cirrusd over a unix socket; start the daemon first.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xfeldman/cirrus/internal/client"
	"github.com/xfeldman/cirrus/internal/config"
	"github.com/xfeldman/cirrus/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var socketFlag string

var rootCmd = &cobra.Command{
	Use:   "cirrus",
	Short: "Cirrus - local VM instance manager",
	Long: `Cirrus manages Ubuntu VM instances on this host via the cirrusd daemon.

It provides commands to launch, stop, and inspect instances backed by
libvirt, with images fetched and cached on demand.`,
	Version:       version.Version(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "",
		"cirrusd unix socket path (default: the daemon's default)")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(networksCmd)
	rootCmd.AddCommand(sshInfoCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(umountCmd)
	rootCmd.AddCommand(versionCmd)
}

// apiClient builds the daemon client, honoring --socket.
func apiClient() *client.Client {
	if socketFlag != "" {
		return client.New(socketFlag)
	}
	return client.New(config.DefaultConfig().SocketPath)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and daemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("cirrus  %s\n", version.Version())
		daemonVersion, err := apiClient().Version(cmd.Context())
		if err != nil {
			return fmt.Errorf("cannot reach cirrusd: %w", err)
		}
		fmt.Printf("cirrusd %s\n", daemonVersion)
		return nil
	},
}
