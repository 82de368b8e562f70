package main

import (
	"flag"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/mzhv/internal/debug"
)

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	debugFile := fs.String("debug-file", "", "Trace log to summarize")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *debugFile == "" {
		return fmt.Errorf("stats: -debug-file is required")
	}

	reader, closer, err := debug.NewReaderFromFile(*debugFile)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	defer closer.Close()

	sources := reader.Sources()
	start, end := reader.TimeRange()
	fmt.Printf("trace %s: %d source(s), %s .. %s\n", *debugFile, len(sources), start.Format("15:04:05.000"), end.Format("15:04:05.000"))

	bar := progressbar.Default(int64(len(sources)), "counting events")
	for _, source := range sources {
		count, err := reader.Count(debug.SearchOptions{Sources: []string{source}})
		if err != nil {
			return fmt.Errorf("stats: count %s: %w", source, err)
		}
		bar.Add(1)
		fmt.Printf("%-12s %d\n", source, count)
	}
	return nil
}
