package pcie

import (
	"errors"
	"fmt"
)

// Errors returned by controllers. Callers match them with errors.Is.
var (
	ErrRailFailed      = errors.New("pcie: regulator enable failed")
	ErrClockFailed     = errors.New("pcie: clock enable failed")
	ErrNoPortsDetected = errors.New("pcie: no ports detected")
	ErrPortResetFailed = errors.New("pcie: port reset failed")
	ErrRetrainTimedOut = errors.New("pcie: link retrain timed out")
	ErrLaneConfig      = errors.New("pcie: invalid lane configuration")
	ErrPMETimeout      = errors.New("pcie: PME_TO_Ack timed out")
	ErrPortNotUp       = errors.New("pcie: port link is not up")
	ErrNotPowered      = errors.New("pcie: controller is not powered")
	ErrNoDvfsEntry     = errors.New("pcie: no clock floors for topology")
)

// RailFailedError reports the regulator that could not be enabled.
type RailFailedError struct {
	Name string
	Err  error
}

func (e *RailFailedError) Error() string {
	return fmt.Sprintf("pcie: enable rail %s: %v", e.Name, e.Err)
}

// Is makes errors.Is(err, ErrRailFailed) succeed.
func (e *RailFailedError) Is(target error) bool {
	return target == ErrRailFailed
}

func (e *RailFailedError) Unwrap() error {
	return e.Err
}

// PortResetError reports a port whose reset sequence did not complete.
type PortResetError struct {
	Index  int
	Reason string
}

func (e *PortResetError) Error() string {
	return fmt.Sprintf("pcie: port %d reset failed: %s", e.Index, e.Reason)
}

// Is makes errors.Is(err, ErrPortResetFailed) succeed.
func (e *PortResetError) Is(target error) bool {
	return target == ErrPortResetFailed
}

// RetrainTimedOutError reports a port that did not finish retraining. The
// link keeps running at its previous speed.
type RetrainTimedOutError struct {
	Index int
}

func (e *RetrainTimedOutError) Error() string {
	return fmt.Sprintf("pcie: port %d retrain to gen2 timed out", e.Index)
}

// Is makes errors.Is(err, ErrRetrainTimedOut) succeed.
func (e *RetrainTimedOutError) Is(target error) bool {
	return target == ErrRetrainTimedOut
}

// RetrainWarnings collects non-fatal retrain failures.
type RetrainWarnings []error

func (w RetrainWarnings) Error() string {
	return errors.Join(w...).Error()
}
