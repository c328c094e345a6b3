package backingstore

import "errors"

// ErrOutOfRange is returned by Sim.Access when the request would read or
// write past the end of the simulated backing store.
var ErrOutOfRange = errors.New("backingstore: access out of range")

// Sim is an in-host-memory stand-in for the external PSRAM chip, used by
// tests and by the "run without real hardware" simulation mode of the CLI.
// It implements the same Access signature as PSRAM without going through
// the SPI protocol framing, backing guest RAM with a plain byte slice
// instead of real hardware.
type Sim struct {
	buf []byte
}

// Poison fills freshly allocated simulated RAM with a byte pattern that is
// unlikely to be a valid instruction, so running off the end of loaded code
// is easy to spot.
const Poison = "\xDE\xAD\xBE\xEF"

// NewSim allocates a simulated backing store of size bytes, filled with the
// poison pattern.
func NewSim(size int) *Sim {
	buf := make([]byte, size)
	for i := 0; i < len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return &Sim{buf: buf}
}

// Access implements the same contract as PSRAM.Access, directly against the
// backing byte slice.
func (s *Sim) Access(addr uint32, size int, write bool, buf []byte) error {
	if int(addr)+size > len(s.buf) {
		return ErrOutOfRange
	}

	if write {
		copy(s.buf[addr:], buf[:size])
	} else {
		copy(buf[:size], s.buf[addr:])
	}

	return nil
}

// Bytes exposes the raw backing buffer for test assertions and for the
// streaming copy used by image load / hibernation.
func (s *Sim) Bytes() []byte { return s.buf }
