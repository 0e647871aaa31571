package simhw

import (
	"sync"
)

// Switches is a named set of on/off supplies, used for both rails and
// clocks.
type Switches struct {
	lock    sync.Mutex
	enabled map[string]bool
	enables map[string]int
	history []string
	failOn  map[string]error
}

// NewSwitches creates a set with every switch off.
func NewSwitches() *Switches {
	return &Switches{
		enabled: make(map[string]bool),
		enables: make(map[string]int),
		failOn:  make(map[string]error),
	}
}

// FailOn makes enabling name fail with err. A nil err clears the failure.
func (s *Switches) FailOn(name string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err == nil {
		delete(s.failOn, name)
		return
	}

	s.failOn[name] = err
}

// Enable turns a switch on.
func (s *Switches) Enable(name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.history = append(s.history, "+"+name)

	if err := s.failOn[name]; err != nil {
		return err
	}

	s.enabled[name] = true
	s.enables[name]++

	return nil
}

// Disable turns a switch off.
func (s *Switches) Disable(name string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.history = append(s.history, "-"+name)
	s.enabled[name] = false
}

// IsEnabled reports whether a switch is on.
func (s *Switches) IsEnabled(name string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.enabled[name]
}

// EnableCount returns how many times a switch was turned on.
func (s *Switches) EnableCount(name string) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.enables[name]
}

// History returns every call as "+name" or "-name", in order.
func (s *Switches) History() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]string(nil), s.history...)
}

// Scaler records clock floor requests.
type Scaler struct {
	lock   sync.Mutex
	Floors map[string]uint64
	Err    error
}

// RequestFloor records the floor unless Err is set.
func (s *Scaler) RequestFloor(clock string, hz uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.Err != nil {
		return s.Err
	}

	s.Floors[clock] = hz

	return nil
}

// Enumerator records rescans and removals.
type Enumerator struct {
	lock    sync.Mutex
	Rescans [][]int
	Removes [][]int
}

// Rescan records the ports.
func (e *Enumerator) Rescan(ports []int) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.Rescans = append(e.Rescans, ports)

	return nil
}

// Remove records the ports.
func (e *Enumerator) Remove(ports []int) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.Removes = append(e.Removes, ports)
}
