package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known clusters",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status CLUSTER",
	Short: "Show a cluster's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var targetCmd = &cobra.Command{
	Use:   "target CLUSTER COUNT",
	Short: "Set the number of powered-on compute VMs",
	Args:  cobra.ExactArgs(2),
	RunE:  runTarget,
}

var adjustCmd = &cobra.Command{
	Use:   "adjust CLUSTER DELTA",
	Short: "Power on (positive) or off (negative) compute VMs",
	Long:  "Power on (positive) or off (negative) compute VMs. Negative deltas go after --, e.g. scalectl adjust -- c1 -2.",
	Args:  cobra.ExactArgs(2),
	RunE:  runAdjust,
}

func init() {
	rootCmd.AddCommand(listCmd, statusCmd, targetCmd, adjustCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	clusters, err := newClient().ListClusters(ctx)
	if err != nil {
		return err
	}
	if len(clusters) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No clusters")
		return nil
	}
	for _, id := range clusters {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	status, err := newClient().GetClusterStatus(ctx, args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runTarget(cmd *cobra.Command, args []string) error {
	target, err := strconv.Atoi(args[1])
	if err != nil || target < 0 {
		return fmt.Errorf("invalid count %q", args[1])
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	eventID, err := newClient().SetTarget(ctx, args[0], target, source)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued target %d for %s (event %s)\n", target, args[0], eventID)
	return nil
}

func runAdjust(cmd *cobra.Command, args []string) error {
	delta, err := strconv.Atoi(args[1])
	if err != nil || delta == 0 {
		return fmt.Errorf("invalid delta %q", args[1])
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	eventID, err := newClient().AdjustSize(ctx, args[0], delta, source)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued delta %+d for %s (event %s)\n", delta, args[0], eventID)
	return nil
}
