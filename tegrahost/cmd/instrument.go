package cmd

import (
	"log"
	"os"

	"github.com/sarchlab/tegrahost/datarecording"
	"github.com/sarchlab/tegrahost/sim/hooking"
	"github.com/sarchlab/tegrahost/sim/timing"
	"github.com/sarchlab/tegrahost/tracing"
)

// instruments attaches the logging, recording and tracing hooks selected
// by the settings to heaps and controllers.
type instruments struct {
	clock    timing.TimeTeller
	logger   *log.Logger
	recorder datarecording.DataRecorder
	events   *datarecording.EventHook
	dbTracer *tracing.DBTracer
	tracers  map[string]*tracing.AverageTimeTracer
}

func newInstruments(s settings, clock timing.TimeTeller) *instruments {
	in := &instruments{
		clock:   clock,
		tracers: make(map[string]*tracing.AverageTimeTracer),
	}

	if s.verbose {
		in.logger = log.New(os.Stderr, "", log.Lmicroseconds)
	}

	if s.recordPath != "" {
		in.recorder = datarecording.New(s.recordPath)
		in.events = datarecording.NewEventHook(in.recorder, clock)
		in.dbTracer = tracing.NewDBTracer(clock, in.recorder)
	}

	return in
}

// attach hooks a domain. kind selects the traced tasks whose average
// duration is reported.
func (in *instruments) attach(
	domain hooking.NamedHookable,
	kind string,
	positions ...*hooking.HookPos,
) {
	if in.logger != nil {
		domain.AcceptHook(hooking.NewLogHook(in.logger, positions...))
	}

	if in.events != nil {
		domain.AcceptHook(in.events)
	}

	if in.dbTracer != nil {
		tracing.CollectTrace(domain, in.dbTracer)
	}

	t, ok := in.tracers[kind]
	if !ok {
		t = tracing.NewAverageTimeTracer(in.clock, tracing.KindFilter(kind))
		in.tracers[kind] = t
	}

	tracing.CollectTrace(domain, t)
}

// tracer returns the average time tracer of a task kind.
func (in *instruments) tracer(kind string) *tracing.AverageTimeTracer {
	return in.tracers[kind]
}

// close flushes the recorder.
func (in *instruments) close() {
	if in.dbTracer != nil {
		in.dbTracer.Terminate()
	}

	if in.recorder != nil {
		in.recorder.Flush()
	}
}
