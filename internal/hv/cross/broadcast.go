// Package cross implements the inter-processor broadcast every
// install, remove and shutdown request goes through (spec.md §4.5):
// the caller blocks until the hyperclient call has run on every
// logical core, and the broadcast's result is success iff every core
// returned success. This is the only suspension point visible to
// callers (spec.md §5); within it, per-core work runs concurrently,
// mirroring the one-goroutine-per-vCPU fan-out the teacher's HVF
// backend uses for its secondary-core loops.
package cross

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/tinyrange/mzhv/internal/hv/hv"
	"github.com/tinyrange/mzhv/internal/hv/percore"
	"github.com/tinyrange/mzhv/internal/hv/vmexit"
)

// Broadcaster fans a request out to every logical core's dispatcher.
type Broadcaster struct {
	Cores       []*percore.Core
	Dispatchers []*vmexit.Dispatcher
}

// New returns a Broadcaster over the given per-core state and
// dispatchers, which must be parallel slices (one dispatcher per
// core, same order).
func New(cores []*percore.Core, dispatchers []*vmexit.Dispatcher) *Broadcaster {
	return &Broadcaster{Cores: cores, Dispatchers: dispatchers}
}

// Install broadcasts a hyperclient install call to every core's
// dispatcher. There is no guest execution context in this host-process
// simulation to issue a real vmcall from, so the broadcast calls each
// dispatcher's Install method directly rather than trapping through
// VMCALL (see DESIGN.md); the dispatcher is still the only place the
// mapping engine is reached from, matching spec.md §4.5's requirement
// that the per-core VM-exit dispatcher mediates every mutation.
func (b *Broadcaster) Install(guestPhys hv.GPA, rwTarget, fetchTarget hv.HPA) error {
	return b.broadcastDispatchers("install", func(d *vmexit.Dispatcher) error {
		return d.Install(guestPhys, rwTarget, fetchTarget)
	})
}

// Remove broadcasts a hyperclient remove call to every core's dispatcher.
func (b *Broadcaster) Remove(guestPhys hv.GPA) error {
	return b.broadcastDispatchers("remove", func(d *vmexit.Dispatcher) error {
		return d.Remove(guestPhys)
	})
}

// Shutdown broadcasts the hyperclient shutdown call to every core's
// dispatcher, moving each into vmexit.ShuttingDown.
func (b *Broadcaster) Shutdown() error {
	return b.broadcastDispatchers("shutdown", func(d *vmexit.Dispatcher) error {
		d.Shutdown()
		return nil
	})
}

// broadcastDispatchers runs fn on every core's dispatcher concurrently,
// pinning each goroutine to an OS thread for the duration of its
// hyperclient call the way a real broadcast pins execution to one
// hardware thread per core, and aggregates the per-core results.
func (b *Broadcaster) broadcastDispatchers(op string, fn func(d *vmexit.Dispatcher) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(b.Dispatchers))

	for i, d := range b.Dispatchers {
		wg.Add(1)
		go func(i int, d *vmexit.Dispatcher) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			errs[i] = fn(d)
		}(i, d)
	}
	wg.Wait()

	return aggregate(op, b.coreIDs(), errs)
}

func (b *Broadcaster) coreIDs() []int {
	ids := make([]int, len(b.Cores))
	for i, c := range b.Cores {
		ids[i] = c.ID
	}
	return ids
}

// aggregate implements spec.md §4.5's all-or-nothing rule: success iff
// every core succeeded. On failure, the caller must treat the whole
// broadcast as having had no useful effect, even though cores that
// individually succeeded did mutate their own per-core state.
func aggregate(op string, coreIDs []int, errs []error) error {
	for i, err := range errs {
		if err != nil {
			slog.Warn("hv: broadcast failed on core", "op", op, "core", coreIDs[i], "error", err)
			return fmt.Errorf("cross: %s: core %d: %w", op, coreIDs[i], err)
		}
	}
	slog.Debug("hv: broadcast succeeded on all cores", "op", op, "cores", len(coreIDs))
	return nil
}
