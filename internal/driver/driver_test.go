package driver

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tinyrange/mzhv/internal/hv/cross"
	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/mtrr"
	"github.com/tinyrange/mzhv/internal/hv/percore"
	"github.com/tinyrange/mzhv/internal/hv/vmexit"
	"github.com/tinyrange/mzhv/internal/hv/vmx"
)

const testPoolCapacity = 4 * 1024 * 1024

func newTestBroadcaster(t *testing.T, n int) *cross.Broadcaster {
	t.Helper()
	var cores []*percore.Core
	var dispatchers []*vmexit.Dispatcher
	for i := 0; i < n; i++ {
		cpu := vmx.NewFake()
		cpu.MSRs[vmx.MsrIA32MTRRCap] = 0
		cpu.MSRs[vmx.MsrIA32MTRRDefType] = uint64(hv.MemTypeWB)
		cfg, err := mtrr.Resolve(cpu)
		if err != nil {
			t.Fatalf("mtrr.Resolve: %v", err)
		}
		core, err := percore.New(i, cpu, cfg, 39, testPoolCapacity)
		if err != nil {
			t.Fatalf("percore.New(%d): %v", i, err)
		}
		t.Cleanup(func() { core.Close() })
		cores = append(cores, core)
		dispatchers = append(dispatchers, vmexit.New(core))
	}
	return cross.New(cores, dispatchers)
}

func newTestServer(t *testing.T, broadcaster *cross.Broadcaster) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "mzhv.sock")

	srv, err := NewServer(socketPath, broadcaster)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func TestClientMapThenUnmap(t *testing.T) {
	broadcaster := newTestBroadcaster(t, 2)
	_, client := newTestServer(t, broadcaster)

	original := uint64(4 * hv.LargePageSize)
	rw := uint64(8 * hv.LargePageSize)
	fetch := uint64(9 * hv.LargePageSize)

	if err := client.Map(original, rw, fetch); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := client.Unmap(original); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestClientUnmapUnknownFails(t *testing.T) {
	broadcaster := newTestBroadcaster(t, 1)
	_, client := newTestServer(t, broadcaster)

	err := client.Unmap(uint64(hv.LargePageSize))
	var driverErr *DriverError
	if !errors.As(err, &driverErr) {
		t.Fatalf("Unmap(unknown) err = %v, want *DriverError", err)
	}
	if driverErr.Code != ErrCodeNotFound {
		t.Fatalf("Unmap(unknown) code = %d, want ErrCodeNotFound", driverErr.Code)
	}
}

func TestClientMapUnalignedFails(t *testing.T) {
	broadcaster := newTestBroadcaster(t, 1)
	_, client := newTestServer(t, broadcaster)

	err := client.Map(1, uint64(hv.LargePageSize), uint64(2*hv.LargePageSize))
	var driverErr *DriverError
	if !errors.As(err, &driverErr) {
		t.Fatalf("Map(unaligned) err = %v, want *DriverError", err)
	}
	if driverErr.Code != ErrCodeInvalidArgument {
		t.Fatalf("Map(unaligned) code = %d, want ErrCodeInvalidArgument", driverErr.Code)
	}
}

func TestClientMapAliasFails(t *testing.T) {
	broadcaster := newTestBroadcaster(t, 1)
	_, client := newTestServer(t, broadcaster)

	a := uint64(1 * hv.LargePageSize)
	b := uint64(2 * hv.LargePageSize)
	if err := client.Map(a, b, a); err != nil {
		t.Fatalf("Map: %v", err)
	}

	err := client.Map(b, uint64(3*hv.LargePageSize), uint64(3*hv.LargePageSize))
	var driverErr *DriverError
	if !errors.As(err, &driverErr) {
		t.Fatalf("Map(alias) err = %v, want *DriverError", err)
	}
	if driverErr.Code != ErrCodeAlias {
		t.Fatalf("Map(alias) code = %d, want ErrCodeAlias", driverErr.Code)
	}
}
