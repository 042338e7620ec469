// Command fsexplorer is a terminal browser for a file system image:
// navigate directories with the arrow keys, open files in a scrollable
// viewer.
package main

import (
	"flag"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinyos/tinyfs/fs"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		slog.Error("usage: fsexplorer <image>")
		os.Exit(1)
	}

	tfs, proc, err := fs.OpenFileSystemFile(flag.Arg(0), nil)
	if err != nil {
		slog.Error("mounting image", "err", err)
		os.Exit(1)
	}

	model, err := newModel(tfs, proc)
	if err != nil {
		slog.Error("reading root directory", "err", err)
		os.Exit(1)
	}
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()

	proc.Exit()
	if serr := tfs.Shutdown(); err == nil {
		err = serr
	}
	if err != nil {
		slog.Error("explorer failed", "err", err)
		os.Exit(1)
	}
}
