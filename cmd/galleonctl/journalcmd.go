package main

import (
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/galleonfs/galleon/pkg/galleon"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect or archive a volume image's write-ahead log",
}

var journalExportCmd = &cobra.Command{
	Use:   "export IMAGE OUT.zst",
	Short: "Archive the journal's reserved region as a zstd-compressed checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := blockdev.OpenFile(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()
		fs, err := galleon.Mount(dev)
		if err != nil {
			return err
		}

		out, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer out.Close()

		enc, err := zstd.NewWriter(out)
		if err != nil {
			return err
		}
		if _, err := enc.Write(fs.Journal().ExportRegion()); err != nil {
			enc.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		log.Printf("exported journal region to %s (lastLSN=%d)", args[1], fs.Journal().LastLSN())
		return nil
	},
}

func init() {
	journalCmd.AddCommand(journalExportCmd)
}
