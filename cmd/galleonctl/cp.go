package main

import (
	"io"
	"io/ioutil"
	"os"
	"path"

	"github.com/djherbis/buffer"
	"github.com/djherbis/nio"
	"github.com/spf13/cobra"
)

var cpCmd = &cobra.Command{
	Use:   "cp HOST_FILE IMAGE DEST_PATH",
	Short: "Copy a host file into a volume image, showing a progress bar",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer src.Close()
		info, err := src.Stat()
		if err != nil {
			return err
		}

		fs, dev, err := openImage(args[1])
		if err != nil {
			return err
		}
		defer closeImage(fs, dev)

		// Pipe the source through a buffered, disk-backed relay so a slow
		// destination (a large non-resident write) never forces the reader
		// to block waiting on backpressure from the writer's consumer, the
		// same decoupling djherbis/nio provides teacher pipelines that copy
		// into a vdisk image.
		buf := buffer.New(4 << 20)
		pr, pw := nio.Pipe(buf)

		go func() {
			_, copyErr := io.Copy(pw, src)
			pw.CloseWithError(copyErr)
		}()

		progress := log.NewProgress("copying", "clusters", info.Size())
		tracked := progress.ProxyReader(pr)
		defer tracked.Close()

		data, err := ioutil.ReadAll(tracked)
		if err != nil {
			progress.Finish(false)
			return err
		}

		parent, err := fs.ResolvePath(path.Dir(args[2]))
		if err != nil {
			progress.Finish(false)
			return err
		}
		if _, err := fs.CreateFile(parent, path.Base(args[2]), data); err != nil {
			progress.Finish(false)
			return err
		}
		progress.Finish(true)
		return nil
	},
}
