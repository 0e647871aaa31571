package datarecording

import (
	"fmt"

	"github.com/sarchlab/tegrahost/sim/hooking"
	"github.com/sarchlab/tegrahost/sim/timing"
)

// EventTable is the table that an EventHook writes into.
const EventTable = "events"

// Event is a row of the events table.
type Event struct {
	Time     float64
	Location string
	Pos      string
	What     string
	Detail   string
}

// EventHook records every hook event of the domains it is attached to.
type EventHook struct {
	recorder   DataRecorder
	timeTeller timing.TimeTeller
}

// NewEventHook creates the events table in the recorder and returns a hook
// that fills it.
func NewEventHook(
	recorder DataRecorder,
	timeTeller timing.TimeTeller,
) *EventHook {
	recorder.CreateTable(EventTable, Event{})

	return &EventHook{
		recorder:   recorder,
		timeTeller: timeTeller,
	}
}

// Func converts the hook context into a row.
func (h *EventHook) Func(ctx hooking.HookCtx) {
	e := Event{
		Time: float64(h.timeTeller.Now().UnixNano()) / 1e9,
		Pos:  ctx.Pos.Name,
		What: fmt.Sprintf("%+v", ctx.Item),
	}

	if named, ok := ctx.Domain.(hooking.Named); ok {
		e.Location = named.Name()
	}

	if ctx.Detail != nil {
		e.Detail = fmt.Sprintf("%+v", ctx.Detail)
	}

	h.recorder.InsertData(EventTable, e)
}
