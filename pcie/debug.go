package pcie

import "fmt"

// A DebugSession gives raw register access to one root port. It replaces a
// global "current target" with an object owned by the caller. Access is only
// granted while the link of the port is up.
type DebugSession struct {
	c      *Controller
	port   int
	offset Offset
}

// NewDebugSession creates a session with no port selected.
func (c *Controller) NewDebugSession() *DebugSession {
	return &DebugSession{c: c, port: -1}
}

// SelectPort chooses the port to access.
func (s *DebugSession) SelectPort(index int) error {
	s.c.lock.Lock()
	defer s.c.lock.Unlock()

	if _, err := s.c.debugTarget(index); err != nil {
		return err
	}

	s.port = index

	return nil
}

// SetOffset chooses the register to access.
func (s *DebugSession) SetOffset(offset Offset) error {
	if offset%4 != 0 {
		return fmt.Errorf("pcie: register offset %#x is not word aligned", offset)
	}

	s.offset = offset

	return nil
}

// Read reads the selected register.
func (s *DebugSession) Read() (uint32, error) {
	s.c.lock.Lock()
	defer s.c.lock.Unlock()

	p, err := s.c.debugTarget(s.port)
	if err != nil {
		return 0, err
	}

	return p.Regs.Read32(s.offset), nil
}

// Write writes the selected register.
func (s *DebugSession) Write(value uint32) error {
	s.c.lock.Lock()
	defer s.c.lock.Unlock()

	p, err := s.c.debugTarget(s.port)
	if err != nil {
		return err
	}

	p.Regs.Write32(s.offset, value)

	return nil
}

func (c *Controller) debugTarget(index int) (*Port, error) {
	if index < 0 || index >= len(c.ports) {
		return nil, fmt.Errorf("%w: no port %d", ErrPortNotUp, index)
	}

	p := c.ports[index]
	if p.State != LinkUp {
		return nil, fmt.Errorf("%w: port %d is %s", ErrPortNotUp, index, p.State)
	}

	return p, nil
}
