// ext4extract - extract files, directories, symlinks, and metadata from
// ext4 images without mounting them.
//
// Usage:
//
//	ext4extract [-v] [-D dir] [-S table] [-M table] [symlink mode] <image>
//	ext4extract -list <image>
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pr0f35510n4l/ext4extract/cmd"
	"github.com/pr0f35510n4l/ext4extract/ext4"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ext4extract: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fl := flag.NewFlagSet("ext4extract", flag.ContinueOnError)
	fl.SetOutput(stderr)
	verbose := fl.Bool("v", false, "verbose logging")
	dir := fl.String("D", ".", "extract into `directory`")
	symTable := fl.String("S", "", "write a symlink table to `file`")
	metaTable := fl.String("M", "", "write a metadata table to `file`")
	saveSym := fl.Bool("save-symlinks", false, "extract symlinks as symlinks (default)")
	textSym := fl.Bool("text-symlinks", false, "extract symlinks as text files holding the target")
	emptySym := fl.Bool("empty-symlinks", false, "extract symlinks as empty files")
	skipSym := fl.Bool("skip-symlinks", false, "do not extract symlinks")
	owners := fl.Bool("owners", false, "restore file ownership (requires privileges)")
	devices := fl.Bool("devices", false, "recreate device nodes (requires privileges)")
	list := fl.Bool("list", false, "list the image contents instead of extracting")
	if err := fl.Parse(args); err != nil {
		return err
	}
	if fl.NArg() != 1 {
		fl.Usage()
		return fmt.Errorf("exactly one image argument is required")
	}

	mode := cmd.SymlinkSave
	set := 0
	for _, m := range []struct {
		on   bool
		mode cmd.SymlinkMode
	}{
		{*saveSym, cmd.SymlinkSave},
		{*textSym, cmd.SymlinkText},
		{*emptySym, cmd.SymlinkEmpty},
		{*skipSym, cmd.SymlinkSkip},
	} {
		if m.on {
			mode = m.mode
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("at most one symlink mode may be given")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	v, err := ext4.OpenFile(fl.Arg(0))
	if err != nil {
		return err
	}
	defer v.Close()
	log.Debug("volume loaded", "volume", v.String(), "block_size", v.BlockSize())

	if *list {
		return cmd.List(v, stdout)
	}

	opts := cmd.ExtractOptions{
		Dir:      *dir,
		Symlinks: mode,
		Owners:   *owners,
		Devices:  *devices,
		Log:      log,
	}
	if *symTable != "" {
		f, err := os.Create(*symTable)
		if err != nil {
			return err
		}
		defer f.Close()
		opts.SymlinkTable = f
	}
	if *metaTable != "" {
		f, err := os.Create(*metaTable)
		if err != nil {
			return err
		}
		defer f.Close()
		opts.MetaTable = f
	}
	return cmd.Extract(v, opts)
}
