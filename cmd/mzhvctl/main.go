// mzhvctl is the operator-facing client for a running mzhvd: it issues
// MAP/UNMAP control-device requests and inspects the binary trace log
// mzhvd writes.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/tinyrange/mzhv/internal/hvconfig"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mzhvctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: mzhvctl <command> [flags]

Commands:
  map    -socket <path> <originalVA> <rwVA> <fetchVA>   Install a split mapping
  unmap  -socket <path> <originalVA>                    Remove a mapping
  stats  -debug-file <path>                              Summarize a trace log
  tail   -debug-file <path>                              Follow a trace log
`)
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("command required")
	}

	switch args[0] {
	case "map":
		return runMap(args[1:])
	case "unmap":
		return runUnmap(args[1:])
	case "stats":
		return runStats(args[1:])
	case "tail":
		return runTail(args[1:])
	case "-h", "-help", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

func socketFlag(fs *flag.FlagSet) *string {
	return fs.String("socket", hvconfig.DefaultControlSocketPath, "Control device socket path")
}
