package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/sarchlab/tegrahost/mem/cma"
	"github.com/sarchlab/tegrahost/mem/cma/simcma"
	"github.com/sarchlab/tegrahost/monitoring"
	"github.com/sarchlab/tegrahost/sim/timing"
	"github.com/spf13/cobra"
)

const mb = 1 << 20

// heapOptions configure a heap on a simulated CMA area.
type heapOptions struct {
	base         uint64
	size         uint64
	chunk        uint64
	floor        uint64
	shrinkDelay  time.Duration
	pinnedChunks []int
	misplace     int
}

func defaultHeapOptions() heapOptions {
	return heapOptions{
		base:  0x8000_0000,
		size:  64 * mb,
		chunk: 4 * mb,
	}
}

// trafficOptions configure a random allocate and release workload.
type trafficOptions struct {
	ops      int
	seed     int64
	maxAlloc uint64
}

// trafficReport summarizes a workload run.
type trafficReport struct {
	Allocs   int
	Releases int
	Failures int
	PeakUsed uint64
	PeakLen  uint64
}

var heapCmd = &cobra.Command{
	Use:   "heap",
	Short: "Run random allocation traffic against a resizable CMA heap.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := defaultHeapOptions()
		traffic := trafficOptions{}

		flags := cmd.Flags()
		opts.base, _ = flags.GetUint64("base")
		opts.size, _ = flags.GetUint64("size")
		opts.chunk, _ = flags.GetUint64("chunk")
		opts.floor, _ = flags.GetUint64("floor")
		opts.shrinkDelay, _ = flags.GetDuration("shrink-delay")
		opts.pinnedChunks, _ = flags.GetIntSlice("pin-chunk")
		opts.misplace, _ = flags.GetInt("misplace")
		traffic.ops, _ = flags.GetInt("ops")
		traffic.seed, _ = flags.GetInt64("seed")
		traffic.maxAlloc, _ = flags.GetUint64("max-alloc")

		s := loadSettings(cmd)
		clock := timing.NewManualClock(time.Unix(0, 0))
		in := newInstruments(s, clock)
		defer in.close()

		h, err := buildHeap(opts, clock)
		if err != nil {
			return err
		}

		in.attach(h, "heap",
			cma.HookPosHeapGrow, cma.HookPosHeapShrink,
			cma.HookPosHeapResizeFailed)

		report, err := runHeapTraffic(context.Background(), h, traffic, nil)
		if err != nil {
			return err
		}

		printHeapReport(os.Stdout, h, report)

		if t := in.tracer("heap"); t.TotalCount() > 0 {
			fmt.Printf("chunk grows: %d, average %v, max %v\n",
				t.TotalCount(), t.AverageTime(), t.MaxTime())
		}

		return nil
	},
}

func init() {
	d := defaultHeapOptions()
	flags := heapCmd.Flags()

	flags.Uint64("base", d.base, "Physical base address of the CMA area.")
	flags.Uint64("size", d.size, "Size of the heap region in bytes.")
	flags.Uint64("chunk", d.chunk, "Chunk size in bytes.")
	flags.Uint64("floor", 0, "Minimum active window in bytes.")
	flags.Duration("shrink-delay", 0, "Delay before releases shrink the heap.")
	flags.IntSlice("pin-chunk", nil,
		"Chunks the CMA area cannot hand out, forcing other grow directions.")
	flags.Int("misplace", 0,
		"Number of chunk allocations the CMA area places at a wrong address.")
	flags.Int("ops", 1000, "Number of allocate and release operations.")
	flags.Int64("seed", 1, "Seed of the random workload.")
	flags.Uint64("max-alloc", 2*mb, "Largest allocation request in bytes.")

	rootCmd.AddCommand(heapCmd)
}

// buildHeap creates a heap on a fresh simulated CMA area.
func buildHeap(opts heapOptions, clock timing.Clock) (*cma.Heap, error) {
	area := simcma.New(opts.base, opts.size, 4096)

	for _, idx := range opts.pinnedChunks {
		err := area.Pin(opts.base+uint64(idx)*opts.chunk, opts.chunk)
		if err != nil {
			return nil, fmt.Errorf("pin chunk %d: %w", idx, err)
		}
	}

	area.InjectMisplacements(opts.misplace)

	return cma.MakeBuilder().
		WithRegion(opts.base, opts.size).
		WithChunkSize(opts.chunk).
		WithFloor(opts.floor).
		WithShrinkDelay(opts.shrinkDelay).
		WithAllocator(area).
		WithClock(clock).
		Build("heap")
}

// runHeapTraffic allocates and releases random sizes, then releases what is
// left. Out of memory failures are counted, other errors stop the run.
func runHeapTraffic(
	ctx context.Context,
	h *cma.Heap,
	opts trafficOptions,
	bar *monitoring.ProgressBar,
) (trafficReport, error) {
	var (
		report trafficReport
		live   []*cma.Allocation
	)

	if opts.maxAlloc == 0 {
		return report, fmt.Errorf("max allocation must be > 0")
	}

	r := rand.New(rand.NewSource(opts.seed))

	for i := 0; i < opts.ops; i++ {
		var err error

		if len(live) > 0 && r.Intn(3) == 0 {
			idx := r.Intn(len(live))
			err = h.Release(live[idx])
			live = append(live[:idx], live[idx+1:]...)
			report.Releases++
		} else {
			var a *cma.Allocation

			size := 1 + uint64(r.Int63n(int64(opts.maxAlloc)))
			a, err = h.Allocate(ctx, size, cma.AllocAttrs{})

			switch {
			case errors.Is(err, cma.ErrOutOfMemory):
				report.Failures++
				err = nil
			case err == nil:
				live = append(live, a)
				report.Allocs++
			}
		}

		if bar != nil {
			bar.Record(err)
		}

		if err != nil {
			return report, err
		}

		s := h.Stats()
		report.PeakUsed = max(report.PeakUsed, s.Used)
		report.PeakLen = max(report.PeakLen, s.CapacityActive)
	}

	for _, a := range live {
		if err := h.Release(a); err != nil {
			return report, err
		}

		report.Releases++
	}

	return report, nil
}

func printHeapReport(w io.Writer, h *cma.Heap, report trafficReport) {
	s := h.Stats()

	fmt.Fprintf(w, "heap %s: %d chunks of %#x at %#x\n",
		h.Name(), s.NumChunks, h.Region().ChunkSize, s.Base)
	fmt.Fprintf(w, "allocs %d, releases %d, out of memory %d\n",
		report.Allocs, report.Releases, report.Failures)
	fmt.Fprintf(w, "peak used %#x, peak window %#x\n",
		report.PeakUsed, report.PeakLen)
	fmt.Fprintf(w, "final window [%#x, +%#x), floor %#x\n",
		s.CurrBase, s.CapacityActive, s.Floor)

	if s.Allocations > 0 {
		log.Printf("heap %s still has %d allocations", h.Name(), s.Allocations)
	}
}
