// Package backingstore drives the external serial PSRAM chip that backs
// guest memory. The SPI bit-banging/DMA layer itself lives outside this
// package; it only knows the PSRAM command protocol and talks to the bus
// through the narrow SPI interface below.
package backingstore

import (
	"errors"
	"fmt"
	"time"
)

// SPI is the narrow interface the PSRAM driver needs from the host's SPI
// bus. A real board wires this to its bit-banged or DMA SPI driver; tests
// use an in-memory fake.
type SPI interface {
	Select()
	Deselect()
	WriteBytes(p []byte) error
	ReadBytes(p []byte) error
}

// Timer abstracts the delay the PSRAM reset sequence needs. A real board
// wires this to its microsecond timing driver.
type Timer interface {
	Sleep(d time.Duration)
}

const (
	cmdResetEnable = 0x66
	cmdReset       = 0x99
	cmdReadID      = 0x9F
	cmdReadFast    = 0x0B
	cmdWrite       = 0x02

	knownGoodDie = 0x5D

	// streamChunk is the chunk size the streaming helper uses for large
	// transfers; it is not a protocol requirement, just a convenient unit.
	streamChunk = 1024
)

// ErrPSRAMNotPresent is returned by Init when the identification read does
// not carry the known-good-die byte. It is fatal for the host.
var ErrPSRAMNotPresent = errors.New("backingstore: PSRAM identification failed")

// PSRAM is the byte-addressable external RAM driver. Addresses are 24-bit.
type PSRAM struct {
	spi   SPI
	timer Timer
}

// New wires a PSRAM driver to the given SPI bus and timing source.
func New(spi SPI, timer Timer) *PSRAM {
	return &PSRAM{spi: spi, timer: timer}
}

// Init performs the two-command reset sequence, waits ~10ms, then verifies
// the known-good-die byte at offset 1 of the 6-byte identification read.
// Failure is fatal for the host.
func (p *PSRAM) Init() error {
	p.command(cmdResetEnable)
	p.command(cmdReset)
	p.timer.Sleep(10 * time.Millisecond)

	id := make([]byte, 6)
	id[0] = cmdReadID

	p.spi.Select()

	if err := p.spi.WriteBytes(id[:4]); err != nil {
		p.spi.Deselect()

		return fmt.Errorf("backingstore: write ID command: %w", err)
	}

	if err := p.spi.ReadBytes(id); err != nil {
		p.spi.Deselect()

		return fmt.Errorf("backingstore: read ID: %w", err)
	}

	p.spi.Deselect()

	if id[1] != knownGoodDie {
		return ErrPSRAMNotPresent
	}

	return nil
}

func (p *PSRAM) command(cmd byte) {
	p.spi.Select()
	_ = p.spi.WriteBytes([]byte{cmd})
	p.spi.Deselect()
}

// Access transfers size bytes between buf and the external memory at addr.
// write selects a plain write (opcode 0x02); read uses the fast-read variant
// (opcode 0x0B) which requires a dummy byte after the 24-bit address. All
// calls are synchronous; there is no scatter/gather.
func (p *PSRAM) Access(addr uint32, size int, write bool, buf []byte) error {
	if len(buf) < size {
		return fmt.Errorf("backingstore: buffer too small for %d-byte access", size)
	}

	var header []byte
	if write {
		header = []byte{cmdWrite, byte(addr >> 16), byte(addr >> 8), byte(addr)}
	} else {
		header = []byte{cmdReadFast, byte(addr >> 16), byte(addr >> 8), byte(addr), 0}
	}

	p.spi.Select()
	defer p.spi.Deselect()

	if err := p.spi.WriteBytes(header); err != nil {
		return fmt.Errorf("backingstore: write command/address: %w", err)
	}

	if write {
		if err := p.spi.WriteBytes(buf[:size]); err != nil {
			return fmt.Errorf("backingstore: write data: %w", err)
		}
	} else if err := p.spi.ReadBytes(buf[:size]); err != nil {
		return fmt.Errorf("backingstore: read data: %w", err)
	}

	return nil
}

// ProgressFunc is called every progressStride bytes during a streamed
// transfer, so a caller can drive a progress indicator during a long image
// load without the driver knowing anything about display hardware.
type ProgressFunc func(totalBytes int)

const progressStride = 16 * 1024

// WriteStream writes len(data) bytes from data to the backing store at addr,
// chunked at streamChunk bytes. progress, if non-nil, is invoked every
// 16KiB.
func (p *PSRAM) WriteStream(addr uint32, data []byte, progress ProgressFunc) error {
	total := 0

	for len(data) > 0 {
		n := streamChunk
		if n > len(data) {
			n = len(data)
		}

		if err := p.Access(addr, n, true, data[:n]); err != nil {
			return err
		}

		addr += uint32(n)
		data = data[n:]
		total += n

		if progress != nil && total/progressStride != (total-n)/progressStride {
			progress(total)
		}
	}

	return nil
}
