package main

import (
	"github.com/spf13/cobra"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/galleonfs/galleon/pkg/galleon"
	"github.com/galleonfs/galleon/pkg/galleon/alloc"
)

var (
	formatSize       uint64
	formatStrategy   alloc.Strategy
	formatClusterSz  uint32
)

var formatCmd = &cobra.Command{
	Use:   "format IMAGE",
	Short: "Create a fresh galleon volume image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := blockdev.CreateFile(args[0], formatSize)
		if err != nil {
			return err
		}
		defer dev.Close()

		fs, err := galleon.Format(dev, formatClusterSz, formatStrategy, log)
		if err != nil {
			return err
		}
		stats := fs.Stats()
		log.Printf("formatted %s: %d clusters of %d bytes (%d free)", args[0], stats.TotalClusters, stats.ClusterSize, stats.FreeClusters)
		return fs.Sync()
	},
}

func init() {
	formatCmd.Flags().Uint64VarP(&formatSize, "size", "s", 64<<20, "image size in bytes")
	formatCmd.Flags().Uint32Var(&formatClusterSz, "cluster-size", galleon.DefaultClusterSize, "cluster size in bytes")
	formatCmd.Flags().VarP(newStrategyFlag(&formatStrategy), "strategy", "t", "allocation strategy: firstfit, bestfit, nextfit")
}
