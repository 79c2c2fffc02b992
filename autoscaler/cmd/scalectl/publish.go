package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/mq"
)

var (
	redisURI    string
	queueKey    string
	instruction mq.Instruction
	target      int
)

var publishCmd = &cobra.Command{
	Use:   "publish KIND",
	Short: "Push an instruction onto the Redis queue",
	Long: `Push a scale instruction onto the Redis list the autoscaler consumes.
KIND is one of target, delta, demand or host. Scope the instruction with
--cluster, --vm, --host or --folder.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{mq.KindTarget, mq.KindDelta, mq.KindDemand, mq.KindHost},
	RunE:      runPublish,
}

func init() {
	f := publishCmd.Flags()
	f.StringVar(&redisURI, "redis-uri", "redis://localhost:6379/0", "Redis connection URI")
	f.StringVar(&queueKey, "key", mq.DefaultKey, "Redis list key")
	f.StringVar(&instruction.ClusterID, "cluster", "", "Cluster ID")
	f.StringVar(&instruction.VMID, "vm", "", "VM ID")
	f.StringVar(&instruction.HostID, "host", "", "Host ID")
	f.StringVar(&instruction.Folder, "folder", "", "Folder name")
	f.IntVar(&target, "target", 0, "Target compute VMs (target)")
	f.IntVar(&instruction.Delta, "delta", 0, "Compute VMs to add or remove (delta)")
	f.IntVar(&instruction.PendingWork, "pending", 0, "Outstanding work items (demand)")
	f.IntVar(&instruction.SlotsPerNode, "slots", 0, "Work slots per compute VM (demand)")
	f.StringVar(&instruction.Reason, "reason", "", "Reason (host)")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	instruction.Kind = args[0]
	instruction.Source = source
	if instruction.Kind == mq.KindTarget {
		instruction.Target = &target
	}

	client, err := mq.NewClient(redisURI)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := mq.NewPublisher(client, queueKey).Publish(ctx, instruction); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published %s instruction to %s\n", instruction.Kind, queueKey)
	return nil
}
