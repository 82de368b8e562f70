package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/mzhv/internal/debug"
)

var sourceColors = map[string]string{
	debug.SourceVMExit:    "\x1b[36m",
	debug.SourceMapping:   "\x1b[33m",
	debug.SourceLifecycle: "\x1b[32m",
}

// runTail polls a trace log mzhvd is appending to and prints new
// entries as they arrive, the way `tail -f` follows a growing file.
// The binary format has no incremental append marker the reader
// exposes publicly, so each poll reopens and reindexes the whole file
// and prints only entries newer than the last one already shown.
func runTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	debugFile := fs.String("debug-file", "", "Trace log to follow")
	interval := fs.Duration("interval", 500*time.Millisecond, "Poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *debugFile == "" {
		return fmt.Errorf("tail: -debug-file is required")
	}

	colorize := term.IsTerminal(int(os.Stdout.Fd()))
	width := 0
	if colorize {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}

	var lastSeen time.Time
	for {
		if err := tailOnce(*debugFile, &lastSeen, colorize, width); err != nil {
			return err
		}
		time.Sleep(*interval)
	}
}

func tailOnce(path string, lastSeen *time.Time, colorize bool, width int) error {
	reader, closer, err := debug.NewReaderFromFile(path)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	defer closer.Close()

	newest := *lastSeen
	err = reader.Each(func(ts time.Time, kind debug.DebugKind, source string, data []byte) error {
		if !ts.After(*lastSeen) {
			return nil
		}
		if ts.After(newest) {
			newest = ts
		}
		printEntry(ts, source, data, colorize, width)
		return nil
	})
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	*lastSeen = newest
	return nil
}

func printEntry(ts time.Time, source string, data []byte, colorize bool, width int) {
	line := fmt.Sprintf("%s [%s] %s", ts.Format("15:04:05.000"), source, string(data))
	if colorize {
		if color, ok := sourceColors[source]; ok {
			line = color + line + "\x1b[0m"
		}
	}
	if width > 0 {
		if visible := ansi.Strip(line); len(visible) > width {
			line = visible[:width]
		}
	}
	fmt.Println(line)
}
