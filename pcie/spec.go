package pcie

import (
	"fmt"
	"time"
)

// Spec holds the delays and poll bounds of the bring-up sequences.
type Spec struct {
	ResetPulse     time.Duration
	Settle         time.Duration
	Quiesce        time.Duration
	PollInterval   time.Duration
	PollIterations int
	LinkAttempts   int
	RetrainPolls   int

	PowerGoodTimeout time.Duration
	PmeAckTimeout    time.Duration
	PmePollInterval  time.Duration

	HotplugDebounce time.Duration
}

// Validate checks the poll bounds.
func (s Spec) Validate() error {
	if s.PollIterations <= 0 || s.RetrainPolls <= 0 {
		return fmt.Errorf("pcie: poll iterations must be > 0")
	}

	if s.LinkAttempts <= 0 {
		return fmt.Errorf("pcie: link attempts must be > 0")
	}

	if s.PollInterval <= 0 || s.PmePollInterval <= 0 {
		return fmt.Errorf("pcie: poll intervals must be > 0")
	}

	return nil
}

// Defaults returns the timings of the Tegra reference sequence.
func Defaults() Spec {
	return Spec{
		ResetPulse:       time.Millisecond,
		Settle:           20 * time.Millisecond,
		Quiesce:          19 * time.Millisecond,
		PollInterval:     time.Millisecond,
		PollIterations:   200,
		LinkAttempts:     3,
		RetrainPolls:     200,
		PowerGoodTimeout: 100 * time.Millisecond,
		PmeAckTimeout:    10 * time.Millisecond,
		PmePollInterval:  100 * time.Microsecond,
		HotplugDebounce:  100 * time.Millisecond,
	}
}
