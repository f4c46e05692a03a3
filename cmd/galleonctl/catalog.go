package main

import (
	"github.com/spf13/cobra"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/galleonfs/galleon/pkg/catalog"
	"github.com/galleonfs/galleon/pkg/galleon"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Maintain a SQLite index of a volume image's directory entries",
}

var catalogIndexCmd = &cobra.Command{
	Use:   "index IMAGE CATALOG_DB",
	Short: "(Re)build the catalog database from a volume image",
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

		cat, err := catalog.Open(args[1])
		if err != nil {
			return err
		}
		defer cat.Close()

		n, err := cat.Index(fs, galleon.FRNRootDir, "/")
		if err != nil {
			return err
		}
		log.Printf("indexed %d entries from %s into %s", n, args[0], args[1])
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find CATALOG_DB PATTERN",
	Short: "Search a catalog database for paths matching a glob pattern",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Open(args[0])
		if err != nil {
			return err
		}
		defer cat.Close()

		matches, err := cat.Find(args[1])
		if err != nil {
			return err
		}
		for _, m := range matches {
			kind := "-"
			if m.IsDirectory {
				kind = "d"
			}
			log.Printf("%s %8d  %s", kind, m.FRN, m.Path)
		}
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogIndexCmd)
	rootCmd.AddCommand(findCmd)
}
