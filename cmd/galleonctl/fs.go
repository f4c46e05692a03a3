package main

import (
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/galleonfs/galleon/pkg/blockdev"
	"github.com/galleonfs/galleon/pkg/galleon"
	"github.com/galleonfs/galleon/pkg/galleon/mft"
)

// openImage mounts an existing image read-write for the lifetime of one
// subcommand invocation, matching the teacher CLI's one-shot-per-command
// style rather than holding a long-lived mount across commands.
func openImage(imagePath string) (*galleon.Filesystem, *blockdev.File, error) {
	dev, err := blockdev.OpenFile(imagePath)
	if err != nil {
		return nil, nil, err
	}
	fs, err := galleon.Mount(dev)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	fs.SetView(log)
	return fs, dev, nil
}

func closeImage(fs *galleon.Filesystem, dev *blockdev.File) {
	if err := fs.Sync(); err != nil {
		log.Warnf("sync: %v", err)
	}
	if err := dev.Close(); err != nil {
		log.Warnf("close: %v", err)
	}
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir IMAGE PATH",
	Short: "Create a directory inside a volume image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer closeImage(fs, dev)

		parent, err := fs.ResolvePath(path.Dir(args[1]))
		if err != nil {
			return err
		}
		_, err = fs.CreateDirectory(parent, path.Base(args[1]))
		return err
	},
}

var lsFlagFilter string

var lsCmd = &cobra.Command{
	Use:   "ls IMAGE [PATH]",
	Short: "List a directory's contents, optionally filtered by a glob",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer closeImage(fs, dev)

		target := "/"
		if len(args) == 2 {
			target = args[1]
		}
		frn, err := fs.ResolvePath(target)
		if err != nil {
			return err
		}
		entries, err := fs.ListDirectory(frn)
		if err != nil {
			return err
		}

		matcher, err := compileFilter(lsFlagFilter)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if matcher != nil && !matcher.Match(e.Name) {
				continue
			}
			kind := "-"
			if e.IsDirectory {
				kind = "d"
			}
			log.Printf("%s %8d  %s", kind, uint64(e.FRN), e.Name)
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat IMAGE PATH",
	Short: "Print a file's contents to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer closeImage(fs, dev)

		frn, err := fs.ResolvePath(args[1])
		if err != nil {
			return err
		}
		data, err := fs.ReadFile(frn)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm IMAGE PATH",
	Short: "Delete a file or empty directory from a volume image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer closeImage(fs, dev)

		parent, err := fs.ResolvePath(path.Dir(args[1]))
		if err != nil {
			return err
		}
		return fs.DeleteFile(parent, path.Base(args[1]))
	},
}

var statCmd = &cobra.Command{
	Use:   "stat IMAGE PATH",
	Short: "Print metadata for a file or directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer closeImage(fs, dev)

		frn, err := fs.ResolvePath(args[1])
		if err != nil {
			return err
		}
		rec, err := fs.Stat(frn)
		if err != nil {
			return err
		}

		kind := "file"
		if rec.Header.IsDirectory() {
			kind = "directory"
		}
		size := uint64(0)
		if data := rec.Find(mft.AttrData); data != nil {
			size = data.RealSize
		}
		var created time.Time
		if si := rec.Find(mft.AttrStandardInformation); si != nil {
			created = si.Times.Creation
		}
		log.Printf("%s  frn=%d  sequence=%d  size=%d  created=%s", kind, uint64(frn), rec.Header.SequenceNumber, size, created.Format(time.RFC3339))
		return nil
	},
}

var defragCmd = &cobra.Command{
	Use:   "defrag IMAGE PATH",
	Short: "Coalesce a file's extents into a single contiguous run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer closeImage(fs, dev)

		frn, err := fs.ResolvePath(args[1])
		if err != nil {
			return err
		}
		return fs.Defragment(frn)
	},
}

func init() {
	lsCmd.Flags().StringVar(&lsFlagFilter, "filter", "", "only list entries matching this glob")
}
