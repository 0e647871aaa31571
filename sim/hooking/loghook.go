package hooking

import (
	"fmt"
	"log"
)

// LogHook prints every hook event it receives into a logger. Heaps and
// controllers put a fmt.Stringer or a plain struct in the Item field, which is
// printed with %+v.
type LogHook struct {
	*log.Logger

	// Filter selects the positions to print. All positions are printed when
	// the filter is empty.
	Filter map[*HookPos]bool
}

// NewLogHook returns a new LogHook that writes into the logger.
func NewLogHook(logger *log.Logger, positions ...*HookPos) *LogHook {
	h := &LogHook{Logger: logger}

	if len(positions) > 0 {
		h.Filter = make(map[*HookPos]bool, len(positions))
		for _, p := range positions {
			h.Filter[p] = true
		}
	}

	return h
}

// Func writes the event information into the logger.
func (h *LogHook) Func(ctx HookCtx) {
	if len(h.Filter) > 0 && !h.Filter[ctx.Pos] {
		return
	}

	where := "?"
	if named, ok := ctx.Domain.(Named); ok {
		where = named.Name()
	}

	msg := fmt.Sprintf("%s %s: %+v", where, ctx.Pos.Name, ctx.Item)
	if ctx.Detail != nil {
		msg += fmt.Sprintf(" (%+v)", ctx.Detail)
	}

	h.Logger.Print(msg)
}
