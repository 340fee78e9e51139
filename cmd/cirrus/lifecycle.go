package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xfeldman/cirrus/internal/client"
)

// reportOutcomes prints per-instance results and returns an error if
// any instance failed.
func reportOutcomes(outcomes []client.OpOutcome) error {
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %s\n", o.Name, o.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d instances failed", failed, len(outcomes))
	}
	return nil
}

var startCmd = &cobra.Command{
	Use:   "start [name...]",
	Short: "Start instances",
	Long:  `Start the named instances. With no names, starts every stopped instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomes, err := apiClient().Start(cmd.Context(), args)
		if err != nil {
			return err
		}
		return reportOutcomes(outcomes)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [name...]",
	Short: "Stop instances",
	Long:  `Stop the named instances. With no names, stops every running instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomes, err := apiClient().Stop(cmd.Context(), args)
		if err != nil {
			return err
		}
		return reportOutcomes(outcomes)
	},
}

var restartTimeout time.Duration

var restartCmd = &cobra.Command{
	Use:   "restart [name...]",
	Short: "Restart instances",
	Long: `Restart the named running instances.

The --timeout flag bounds how long this client waits for the restart to
complete; the daemon carries on regardless.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if restartTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, restartTimeout)
			defer cancel()
		}
		outcomes, err := apiClient().Restart(ctx, args)
		if err != nil {
			return err
		}
		return reportOutcomes(outcomes)
	},
}

func init() {
	restartCmd.Flags().DurationVar(&restartTimeout, "timeout", 0,
		"how long to wait for the restart (0 means no limit)")
}

var suspendCmd = &cobra.Command{
	Use:   "suspend [name...]",
	Short: "Suspend instances",
	Long:  `Suspend the named running instances, saving their state to disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outcomes, err := apiClient().Suspend(cmd.Context(), args)
		if err != nil {
			return err
		}
		return reportOutcomes(outcomes)
	},
}

var (
	deletePurge bool
	deleteAll   bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete [name...]",
	Short: "Delete instances",
	Long: `Delete the named instances. Deleted instances can be recovered with
"cirrus recover" until "cirrus purge" runs; --purge removes them
immediately and irreversibly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := args
		if deleteAll {
			instances, err := apiClient().List(cmd.Context())
			if err != nil {
				return err
			}
			names = names[:0]
			for _, inst := range instances {
				if !inst.Deleted {
					names = append(names, inst.Name)
				}
			}
		}
		if len(names) == 0 {
			return fmt.Errorf("no instances to delete; name some or pass --all")
		}
		for _, name := range names {
			if err := apiClient().Delete(cmd.Context(), name, deletePurge); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
		}
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deletePurge, "purge", false, "permanently remove, skipping the recoverable stage")
	deleteCmd.Flags().BoolVar(&deleteAll, "all", false, "delete all instances")
}

var recoverCmd = &cobra.Command{
	Use:   "recover <name>...",
	Short: "Recover deleted instances",
	Long:  `Bring deleted instances back, as long as they have not been purged.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range args {
			if err := apiClient().Recover(cmd.Context(), name); err != nil {
				return fmt.Errorf("recover %s: %w", name, err)
			}
		}
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Permanently remove all deleted instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiClient().Purge(cmd.Context())
	},
}
