// Package bridge services the guest's custom control/status register
// traffic: console I/O, the block-device transfer latch protocol, and the
// hibernate-request doorbell. It is what makes the guest kernel believe it
// has a UART and a disk.
package bridge

import (
	"encoding/binary"
	"fmt"
)

// Memory is the narrow word-addressed view of guest RAM the block
// transfer needs. *bus.Adapter satisfies this without bridge importing bus.
type Memory interface {
	Load4(addr uint32) (uint32, error)
	Store4(addr uint32, v uint32) error
}

// BlockDevice is the sector-oriented storage the transfer drains to/from.
type BlockDevice interface {
	ReadSector(sector int64, buf []byte) error
	WriteSector(sector int64, buf []byte) error
}

// Console is the guest-visible character device serviced by CSRs 0x139/0x140.
type Console interface {
	PutByte(b byte)
	NextInput() (byte, bool)
}

// CustomCSR handles any CSR number this bridge does not recognize,
// modeling a board-specific telemetry hook with no default behavior.
type CustomCSR interface {
	Read(csr uint32) (uint32, error)
	Write(csr uint32, v uint32) error
}

// NoopCustomCSR is the default CustomCSR: reads return 0, writes are
// discarded.
type NoopCustomCSR struct{}

func (NoopCustomCSR) Read(csr uint32) (uint32, error)  { return 0, nil }
func (NoopCustomCSR) Write(csr uint32, v uint32) error { return nil }

const (
	csrConsolePut   = 0x139
	csrConsoleGet   = 0x140
	csrBlkSize      = 0x150
	csrBlkPtr       = 0x151
	csrBlkOffs      = 0x152
	csrBlkTransfer  = 0x153
	csrBlkGo        = 0x154
	csrBlkErr       = 0x155
	csrHibernate    = 0x170
)

const sectorSize = 512
const wordsPerSector = sectorSize / 4

// Bridge holds the latched block-transfer state and the hibernate-request
// flag between CSR writes.
type Bridge struct {
	mem     Memory
	blk     BlockDevice
	console Console
	custom  CustomCSR

	blkSizeBytes   uint64
	ramImageOffset uint32

	blkRAMPtr      uint32
	blkOffsBytes   int64
	blkTransferLen uint32
	blkErr         uint32

	hibernateRequested bool

	// FailOnAllFaults, when set, makes HandleFault turn every fault into a
	// fatal code 3 rather than passing the raw code through unchanged.
	FailOnAllFaults bool
}

// New wires a Bridge to its collaborators. custom may be nil, in which
// case NoopCustomCSR is used. blk may be nil if the caller has not opened
// the block device yet (the storage façade is single-handle, so the block
// file typically can't be opened until after boot has finished reading the
// kernel/DTB/snapshot); set it later with SetBlockDevice.
func New(mem Memory, blk BlockDevice, console Console, custom CustomCSR, blkSizeBytes uint64, ramImageOffset uint32) *Bridge {
	if custom == nil {
		custom = NoopCustomCSR{}
	}

	return &Bridge{
		mem:            mem,
		blk:            blk,
		console:        console,
		custom:         custom,
		blkSizeBytes:   blkSizeBytes,
		ramImageOffset: ramImageOffset,
	}
}

// SetBlockDevice installs the sector-oriented storage the transfer CSRs
// drain to/from. Call once the façade is free to hold the block file's
// handle, normally right after Boot succeeds.
func (b *Bridge) SetBlockDevice(blk BlockDevice) { b.blk = blk }

// HibernateRequested reports whether the guest has asked to hibernate since
// the last ConsumeHibernateRequest.
func (b *Bridge) HibernateRequested() bool { return b.hibernateRequested }

// ConsumeHibernateRequest clears and returns the flag.
func (b *Bridge) ConsumeHibernateRequest() bool {
	v := b.hibernateRequested
	b.hibernateRequested = false

	return v
}

func (b *Bridge) CSRRead(csr uint32) (uint32, error) {
	switch csr {
	case csrConsoleGet:
		if v, ok := b.console.NextInput(); ok {
			return uint32(v), nil
		}

		return 0xFFFFFFFF, nil
	case csrBlkSize:
		return uint32(b.blkSizeBytes), nil
	case csrBlkErr:
		return b.blkErr, nil
	default:
		return b.custom.Read(csr)
	}
}

func (b *Bridge) CSRWrite(csr uint32, v uint32) error {
	switch csr {
	case csrConsolePut:
		b.console.PutByte(byte(v))

		return nil
	case csrBlkPtr:
		b.blkRAMPtr = v - b.ramImageOffset

		return nil
	case csrBlkOffs:
		b.blkOffsBytes = int64(v)

		return nil
	case csrBlkTransfer:
		if v%sectorSize != 0 {
			return fmt.Errorf("bridge: transfer size %d not a multiple of %d", v, sectorSize)
		}

		b.blkTransferLen = v

		return nil
	case csrBlkGo:
		b.blkErr = 0
		if err := b.drainTransfer(v != 0); err != nil {
			b.blkErr = 1

			return err
		}

		return nil
	case csrHibernate:
		b.hibernateRequested = true

		return nil
	default:
		return b.custom.Write(csr, v)
	}
}

// drainTransfer moves blkTransferLen bytes, sector by sector, between
// guest memory at blkRAMPtr and the block device at blkOffsBytes. write
// selects the guest-to-storage direction.
func (b *Bridge) drainTransfer(write bool) error {
	sectors := int(b.blkTransferLen / sectorSize)
	buf := make([]byte, sectorSize)

	addr := b.blkRAMPtr
	sector := b.blkOffsBytes / sectorSize

	for i := 0; i < sectors; i++ {
		if write {
			for w := 0; w < wordsPerSector; w++ {
				word, err := b.mem.Load4(addr + uint32(w*4))
				if err != nil {
					return err
				}

				binary.LittleEndian.PutUint32(buf[w*4:], word)
			}

			if err := b.blk.WriteSector(sector, buf); err != nil {
				return err
			}
		} else {
			if err := b.blk.ReadSector(sector, buf); err != nil {
				return err
			}

			for w := 0; w < wordsPerSector; w++ {
				word := binary.LittleEndian.Uint32(buf[w*4:])

				if err := b.mem.Store4(addr+uint32(w*4), word); err != nil {
					return err
				}
			}
		}

		addr += sectorSize
		sector++
	}

	return nil
}

// HandleFault converts a raw interpreter fault code into the code
// propagated to the step loop. When FailOnAllFaults is set, every fault
// terminates the loop with code 3; otherwise the code is returned unchanged
// (code 3 itself needs no masking). riscv.CPU has no trap-vector dispatch:
// it returns whatever code comes back here from Step, so a non-zero code
// ends the current batch either way.
func (b *Bridge) HandleFault(code uint32) (uint32, error) {
	if b.FailOnAllFaults {
		return 3, nil
	}

	return code, nil
}
