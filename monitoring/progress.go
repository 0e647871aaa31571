package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sarchlab/tegrahost/sim/id"
)

// A ProgressBar tracks a workload that runs a known number of operations.
type ProgressBar struct {
	sync.Mutex
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Total     uint64    `json:"total"`
	Finished  uint64    `json:"finished"`
	Failed    uint64    `json:"failed"`
}

// Record counts one finished operation.
func (b *ProgressBar) Record(err error) {
	b.Lock()
	defer b.Unlock()

	b.Finished++
	if err != nil {
		b.Failed++
	}
}

// Snapshot returns a copy of the counters.
func (b *ProgressBar) Snapshot() (finished, failed uint64) {
	b.Lock()
	defer b.Unlock()

	return b.Finished, b.Failed
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        id.Get().Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressLock.Lock()
	defer m.progressLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the progress list.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressLock.Lock()
	defer m.progressLock.Unlock()

	bars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			bars = append(bars, b)
		}
	}

	m.progressBars = bars
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressLock.Lock()
	defer m.progressLock.Unlock()

	for _, b := range m.progressBars {
		b.Lock()
	}

	bytes, err := json.Marshal(m.progressBars)

	for _, b := range m.progressBars {
		b.Unlock()
	}

	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}
