// Package bus binds the interpreter's sized load/store operations to the
// cache, and routes the two fixed MMIO addresses (console data and
// console line-status) to the console instead of the cache.
package bus

import (
	"encoding/binary"
	"fmt"
)

// Cache is the subset of cache.Cache the adapter needs.
type Cache interface {
	Read(addr uint32, size int) ([]byte, error)
	Write(addr uint32, buf []byte, size int) error
}

// Console is the narrow console contract the adapter needs for the two
// MMIO addresses it intercepts directly (console data register
// at consoleDataAddr, line-status register at consoleStatusAddr).
type Console interface {
	PutByte(b byte)
	HasInput() bool
	NextInput() (byte, bool)
}

const (
	consoleDataAddr   = 0x10000000
	consoleStatusAddr = 0x10000005

	lineStatusIdle = 0x60
)

// CSRHandler is the subset of the control bridge the adapter delegates CSR
// access to.
type CSRHandler interface {
	CSRRead(csr uint32) (uint32, error)
	CSRWrite(csr uint32, v uint32) error
}

// FaultHandler converts a raw interpreter fault code into the code that
// should actually propagate to the step loop.
type FaultHandler interface {
	HandleFault(code uint32) (uint32, error)
}

// Adapter implements riscv.Bus over a Cache, a Console, and a CSR/fault
// bridge. Addresses arriving from the interpreter are guest-virtual
// (offset by ramImageOffset); the cache operates on raw physical offsets,
// so the adapter subtracts the offset before touching it.
type Adapter struct {
	cache   Cache
	console Console
	csr     CSRHandler
	faults  FaultHandler

	ramImageOffset uint32
}

// New wires an Adapter to its collaborators. ramImageOffset is the
// guest-virtual base address the RAM region is mapped at.
func New(cache Cache, console Console, csr CSRHandler, faults FaultHandler, ramImageOffset uint32) *Adapter {
	return &Adapter{cache: cache, console: console, csr: csr, faults: faults, ramImageOffset: ramImageOffset}
}

func (a *Adapter) load(addr uint32, size int, signed bool) (uint32, error) {
	buf, err := a.cache.Read(addr-a.ramImageOffset, size)
	if err != nil {
		return 0, err
	}

	switch size {
	case 1:
		if signed {
			return uint32(int32(int8(buf[0]))), nil
		}

		return uint32(buf[0]), nil
	case 2:
		v := binary.LittleEndian.Uint16(buf)
		if signed {
			return uint32(int32(int16(v))), nil
		}

		return uint32(v), nil
	case 4:
		return binary.LittleEndian.Uint32(buf), nil
	default:
		return 0, fmt.Errorf("bus: bad load size %d", size)
	}
}

func (a *Adapter) Load1(addr uint32) (uint32, error)  { return a.load(addr, 1, false) }
func (a *Adapter) Load2(addr uint32) (uint32, error)  { return a.load(addr, 2, false) }
func (a *Adapter) Load4(addr uint32) (uint32, error)  { return a.load(addr, 4, false) }

func (a *Adapter) Load1s(addr uint32) (int32, error) {
	v, err := a.load(addr, 1, true)

	return int32(v), err
}

func (a *Adapter) Load2s(addr uint32) (int32, error) {
	v, err := a.load(addr, 2, true)

	return int32(v), err
}

func (a *Adapter) store(addr uint32, v uint32, size int) error {
	buf := make([]byte, size)

	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, v)
	default:
		return fmt.Errorf("bus: bad store size %d", size)
	}

	return a.cache.Write(addr-a.ramImageOffset, buf, size)
}

func (a *Adapter) Store1(addr, v uint32) error { return a.store(addr, v, 1) }
func (a *Adapter) Store2(addr, v uint32) error { return a.store(addr, v, 2) }
func (a *Adapter) Store4(addr, v uint32) error { return a.store(addr, v, 4) }

// ControlStore implements the console data hook: a write to
// consoleDataAddr emits the low byte to the console and is otherwise
// consumed without touching the cache.
func (a *Adapter) ControlStore(addr uint32, v uint32) error {
	if addr == consoleDataAddr {
		a.console.PutByte(byte(v))

		return nil
	}

	return nil
}

// ControlLoad implements the console status/data hooks: consoleStatusAddr
// reports transmit-always-ready plus data-ready; consoleDataAddr returns
// the next buffered input byte if one is available.
func (a *Adapter) ControlLoad(addr uint32) (uint32, error) {
	switch addr {
	case consoleStatusAddr:
		v := uint32(lineStatusIdle)
		if a.console.HasInput() {
			v |= 1
		}

		return v, nil
	case consoleDataAddr:
		if b, ok := a.console.NextInput(); ok {
			return uint32(b), nil
		}

		return 0, nil
	default:
		return 0, nil
	}
}

func (a *Adapter) CSRRead(csr uint32) (uint32, error)  { return a.csr.CSRRead(csr) }
func (a *Adapter) CSRWrite(csr uint32, v uint32) error { return a.csr.CSRWrite(csr, v) }

func (a *Adapter) PostExec(code uint32) (uint32, error) { return a.faults.HandleFault(code) }
