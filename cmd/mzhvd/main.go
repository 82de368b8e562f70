// mzhvd is the hypervisor host process: it enables VMX on every
// configured logical core, builds each core's EPT tree from either
// hardware MTRRs or an operator-supplied override table, and serves
// the MZHV control device over a Unix domain socket until signaled to
// shut down.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/tinyrange/mzhv/internal/debug"
	"github.com/tinyrange/mzhv/internal/driver"
	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/lifecycle"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
	"github.com/tinyrange/mzhv/internal/hvconfig"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mzhvd: %v\n", err)
		os.Exit(1)
	}
}

// fixCrlf rewrites bare LFs to CRLFs so log output stays legible on a
// terminal that has been left in raw mode.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

func run() error {
	configPath := flag.String("config", "", "Path to hvconfig YAML file")
	debugFile := flag.String("debug-file", "", "Write binary trace events to file")
	flag.Parse()

	cfg := hvconfig.Default()
	if *configPath != "" {
		loaded, err := hvconfig.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(&fixCrlf{w: os.Stderr}, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	if *debugFile != "" {
		if err := debug.OpenFile(*debugFile); err != nil {
			return fmt.Errorf("open debug file: %w", err)
		}
		defer debug.Close()
	}

	coreCount := cfg.EffectiveCoreCount(runtime.NumCPU())
	if coreCount < 1 {
		return fmt.Errorf("mzhvd: effective core count %d is not positive", coreCount)
	}
	cpus := make([]vmx.CPU, coreCount)
	for i := range cpus {
		cpus[i] = vmx.Native{}
	}

	opts := lifecycle.Options{PhysAddrBits: cfg.PhysAddrBits}
	if len(cfg.MTRROverrides) > 0 {
		mtrrCfg, err := cfg.BuildMTRRConfig(hv.MemTypeWB)
		if err != nil {
			return fmt.Errorf("build MTRR override config: %w", err)
		}
		opts.MTRRConfig = mtrrCfg
	}

	slog.Info("mzhvd: enabling hypervisor", "cores", coreCount)
	hypervisor, err := lifecycle.EnableWithOptions(cpus, cfg.PoolCapacityBytes(), opts)
	if err != nil {
		return fmt.Errorf("enable hypervisor: %w", err)
	}

	server, err := driver.NewServer(cfg.ControlSocketPath, hypervisor.Broadcaster)
	if err != nil {
		if disableErr := hypervisor.Disable(); disableErr != nil {
			slog.Error("mzhvd: disable after server setup failure", "error", disableErr)
		}
		return fmt.Errorf("start control device: %w", err)
	}
	slog.Info("mzhvd: control device listening", "socket", server.SocketPath())

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- server.Serve()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case serveErr = <-serveErrCh:
	case sig := <-sigCh:
		slog.Info("mzhvd: received signal, shutting down", "signal", sig)
		if err := server.Close(); err != nil {
			slog.Error("mzhvd: close control device", "error", err)
		}
		serveErr = <-serveErrCh
	}
	if serveErr != nil && !errors.Is(serveErr, io.EOF) {
		slog.Error("mzhvd: control device serve loop exited", "error", serveErr)
	}

	if err := hypervisor.Disable(); err != nil {
		return fmt.Errorf("disable hypervisor: %w", err)
	}
	slog.Info("mzhvd: hypervisor disabled, exiting")
	return nil
}
