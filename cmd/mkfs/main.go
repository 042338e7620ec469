// Command mkfs creates an empty file system image in a regular file.
package main

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/tinyos/tinyfs/common"
	"github.com/tinyos/tinyfs/mkfs"
)

func main() {
	// .env must load before flag defaults are computed from it.
	godotenv.Load()

	blocks := flag.Int("blocks", envInt("TINYFS_BLOCKS", mkfs.DefaultBlocks), "total blocks in the image")
	inodes := flag.Int("inodes", envInt("TINYFS_INODES", mkfs.DefaultInodes), "inodes in the inode table")
	force := flag.Bool("force", false, "overwrite an existing image file")
	flag.Parse()

	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}),
	))

	if flag.NArg() != 1 {
		slog.Error("usage: mkfs [-blocks n] [-inodes n] [-force] <image>")
		os.Exit(1)
	}
	filename := flag.Arg(0)

	if !*force {
		if _, err := os.Stat(filename); err == nil {
			slog.Error("image already exists, use -force to overwrite", "image", filename)
			os.Exit(1)
		}
	}

	f, err := os.Create(filename)
	if err != nil {
		slog.Error("creating image", "err", err)
		os.Exit(1)
	}
	defer f.Close()

	sb, err := mkfs.Build(f, mkfs.Options{Blocks: *blocks, Inodes: *inodes})
	if err != nil {
		slog.Error("building file system", "err", err)
		os.Remove(filename)
		os.Exit(1)
	}

	slog.Info("image written",
		"image", filename,
		"size", humanize.IBytes(uint64(sb.Size)*common.BlockSize),
		"blocks", sb.Size,
		"data_blocks", sb.NBlocks,
		"inodes", sb.NInodes)
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}
