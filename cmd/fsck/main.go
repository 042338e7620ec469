// Command fsck checks a file system image for consistency: superblock
// geometry, inode records, block references against the allocation bitmap,
// and directory link counts. A committed but uninstalled log transaction is
// replayed before checking.
package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"

	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/fs"
)

func main() {
	verbose := flag.Bool("verbose", false, "report per-inode detail")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}),
	))

	if flag.NArg() != 1 {
		slog.Error("usage: fsck [-verbose] <image>")
		os.Exit(1)
	}
	filename := flag.Arg(0)

	if err := replayLog(filename); err != nil {
		slog.Error("log replay failed", "err", err)
		os.Exit(1)
	}

	f, err := os.Open(filename)
	if err != nil {
		slog.Error("opening image", "err", err)
		os.Exit(1)
	}
	defer f.Close()

	c, err := newChecker(f)
	if err != nil {
		slog.Error("reading superblock", "err", err)
		os.Exit(1)
	}
	slog.Info("checking image",
		"image", filename,
		"size", humanize.IBytes(uint64(c.sb.Size)*common.BlockSize),
		"blocks", c.sb.Size,
		"inodes", c.sb.NInodes)

	errs := c.run()
	slog.Info("image digest", "blake3", c.digest())

	if errs > 0 {
		slog.Error("image is inconsistent", "problems", errs)
		os.Exit(1)
	}
	slog.Info("image is clean")
}

// replayLog mounts and cleanly shuts the image down, which installs any
// transaction the log committed before a crash.
func replayLog(filename string) error {
	tfs, proc, err := fs.OpenFileSystemFile(filename, slog.Default())
	if err != nil {
		return err
	}
	if err := proc.Exit(); err != nil {
		return err
	}
	return tfs.Shutdown()
}
