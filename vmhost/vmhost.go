// Package vmhost drives cold boot, resume-from-hibernation, and the main
// instruction batch loop, tying the cache, the RISC-V core, the
// control-register bridge, and the storage façade together into one VM
// session.
package vmhost

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/embeddedgo/rv32vm/cache"
	"github.com/embeddedgo/rv32vm/config"
	"github.com/embeddedgo/rv32vm/riscv"
	"github.com/embeddedgo/rv32vm/storage"
)

// HibernateSource reports and consumes the bridge's hibernate-request flag.
type HibernateSource interface {
	ConsumeHibernateRequest() bool
}

// Sleeper abstracts the WFI idle delay.
type Sleeper interface {
	Sleep(d time.Duration)
}

// Now abstracts the wall-clock source used for non-fixed-update timing.
type Now interface {
	Micros() uint64
}

// Logger is the narrow console-output contract the host writes boot
// messages and progress ticks to.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Host owns one VM session: the cache, the interpreter, the bridge's
// hibernate flag, and the storage façade backing images and snapshots.
type Host struct {
	cfg config.Config

	store cache.Store
	c     *cache.Cache
	cpu   *riscv.CPU
	bus   riscv.Bus
	hib   HibernateSource

	facade   *storage.Facade
	powerReg *storage.PowerStateRegistry

	sleeper Sleeper
	now     Now
	log     Logger

	lastTime   uint64
	singleStep bool
}

// New assembles a Host. store is the raw backing-store handle also wired
// into c (the cache built over it); bus is the riscv.Bus implementation
// (normally a *bus.Adapter over c); hib reports the bridge's
// hibernate-request flag.
func New(cfg config.Config, store cache.Store, c *cache.Cache, cpu *riscv.CPU, bus riscv.Bus, hib HibernateSource, facade *storage.Facade, powerReg *storage.PowerStateRegistry, sleeper Sleeper, now Now, log Logger) *Host {
	return &Host{
		cfg:      cfg,
		store:    store,
		c:        c,
		cpu:      cpu,
		bus:      bus,
		hib:      hib,
		facade:   facade,
		powerReg: powerReg,
		sleeper:  sleeper,
		now:      now,
		log:      log,
	}
}

// SingleStep forces one-instruction batches, for debugging.
func (h *Host) SingleStep(on bool) { h.singleStep = on }

const streamChunk = 1024

// streamToStore writes data to the backing store starting at addr,
// chunked at streamChunk bytes, reporting progress every 16KiB.
func streamToStore(store cache.Store, addr uint32, data []byte, progress func(int)) error {
	const progressStride = 16 * 1024

	total := 0

	for len(data) > 0 {
		n := streamChunk
		if n > len(data) {
			n = len(data)
		}

		if err := store.Access(addr, n, true, data[:n]); err != nil {
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

func readWholeFile(facade *storage.Facade, name string) ([]byte, error) {
	if err := facade.Open(name); err != nil {
		return nil, err
	}

	defer facade.Close()

	size, err := facade.Size()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if _, err := facade.Read(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

var dtbAddrSentinel = uint32(0x00c0ff03)

const dtbCmdlineSentinel = "abcd"

// patchDTB scans a loaded device-tree blob for the two sentinels the
// reference kernel's DTB template carries, and overwrites them in place:
// the address sentinel with the big-endian DTB base, and the cmdline
// sentinel with the configured kernel command line.
func patchDTB(dtb []byte, dtbBase uint32, cmdline string) {
	for i := 0; i+4 <= len(dtb); i += 4 {
		if binary.LittleEndian.Uint32(dtb[i:]) == dtbAddrSentinel {
			binary.BigEndian.PutUint32(dtb[i:], dtbBase)

			break
		}
	}

	needle := []byte(dtbCmdlineSentinel)

	for i := 0; i+len(needle) <= len(dtb); i++ {
		if bytes.Equal(dtb[i:i+len(needle)], needle) {
			copy(dtb[i:], cmdline)
			if i+len(cmdline) < len(dtb) {
				dtb[i+len(cmdline)] = 0
			}

			break
		}
	}
}

// Boot resolves hint into an actual boot path (cold boot or resume),
// loads the guest image or snapshot, sets up the CPU's initial
// architectural state, and persists Running. It does not open the block
// device; call OpenBlockDevice once Boot has returned.
func (h *Host) Boot(hint storage.PowerState) error {
	h.c.Reset()

	state := hint

	if hint == storage.GetSD {
		read, err := h.powerReg.Read()
		if err != nil {
			return err
		}

		state = read

		if state == storage.Running {
			h.log.Printf("warning: system hasn't been cleanly shut down\r\n")
		}
	}

	if state == storage.Hibernate {
		if err := h.resume(); err != nil {
			return err
		}
	} else {
		if err := h.coldBoot(); err != nil {
			return err
		}
	}

	if err := h.powerReg.Write(storage.Running); err != nil {
		return err
	}

	return nil
}

func (h *Host) coldBoot() error {
	kernel, err := readWholeFile(h.facade, h.cfg.KernelFilename)
	if err != nil {
		return fmt.Errorf("vmhost: load kernel: %w", err)
	}

	if err := streamToStore(h.store, 0, kernel, h.progress("kernel")); err != nil {
		return fmt.Errorf("vmhost: write kernel: %w", err)
	}

	dtb, err := readWholeFile(h.facade, h.cfg.DTBFilename)
	if err != nil {
		return fmt.Errorf("vmhost: load dtb: %w", err)
	}

	dtbBase := h.cfg.RAMBytes - h.cfg.DTBBytes
	patchDTB(dtb, dtbBase, h.cfg.KernelCmdline)

	if err := streamToStore(h.store, dtbBase, dtb, h.progress("dtb")); err != nil {
		return fmt.Errorf("vmhost: write dtb: %w", err)
	}

	h.cpu.Regs[10] = 0
	h.cpu.Regs[11] = dtbBase + h.cfg.RAMImageOffset
	h.cpu.ExtraFlags |= 3
	h.cpu.PC = h.cfg.RAMImageOffset

	return nil
}

func (h *Host) resume() error {
	if err := h.facade.Open(h.cfg.SnapshotFilename); err != nil {
		return fmt.Errorf("vmhost: open snapshot: %w", err)
	}

	defer h.facade.Close()

	ram := make([]byte, h.cfg.RAMBytes)
	if _, err := h.facade.Read(ram); err != nil {
		return fmt.Errorf("vmhost: read snapshot RAM: %w", err)
	}

	if err := streamToStore(h.store, 0, ram, nil); err != nil {
		return fmt.Errorf("vmhost: restore RAM: %w", err)
	}

	record := make([]byte, interpreterStateSize)
	if _, err := h.facade.Read(record); err != nil {
		return fmt.Errorf("vmhost: read interpreter state: %w", err)
	}

	return decodeState(record, h.cpu)
}

func (h *Host) progress(label string) func(int) {
	return func(n int) {
		h.log.Printf("loading %s: %d bytes\r\n", label, n)
	}
}

// OpenBlockDevice opens the block device on the storage façade.
func (h *Host) OpenBlockDevice() (*storage.BlockDevice, error) {
	return storage.OpenBlockDevice(h.facade, h.cfg.BlkFilename)
}

// Run executes instruction batches until a terminal condition is reached,
// servicing the hibernate-request flag between batches. It returns the
// terminal power state.
func (h *Host) Run() (storage.PowerState, error) {
	instrsPerFlip := 4096
	if h.singleStep {
		instrsPerFlip = 1
	}

	for {
		elapsed := h.elapsedMicros()

		code, err := h.cpu.Step(h.bus, instrsPerFlip, uint32(elapsed))
		if err != nil {
			return storage.Unknown, err
		}

		switch code {
		case riscv.StepContinue:
			// keep going
		case riscv.StepWFI:
			if h.sleeper != nil {
				h.sleeper.Sleep(time.Millisecond)
			}

			h.cpu.CycleLow += uint32(instrsPerFlip)
		case riscv.StepFatal:
			return storage.Unknown, nil
		case riscv.StepReboot:
			if err := h.powerReg.Write(storage.Reboot); err != nil {
				return storage.Unknown, err
			}

			return storage.Reboot, nil
		case riscv.StepPowerOff:
			if err := h.powerReg.Write(storage.PowerOff); err != nil {
				return storage.Unknown, err
			}

			return storage.PowerOff, nil
		default:
			if err := h.powerReg.Write(storage.Unknown); err != nil {
				return storage.Unknown, err
			}

			return storage.Unknown, nil
		}

		if h.hib.ConsumeHibernateRequest() {
			if err := h.hibernate(); err != nil {
				return storage.Unknown, err
			}

			return storage.Hibernate, nil
		}
	}
}

func (h *Host) elapsedMicros() uint64 {
	var current uint64

	if h.cfg.FixedUpdate {
		current = (uint64(h.cpu.CycleHigh)<<32 | uint64(h.cpu.CycleLow)) / h.cfg.TimeDivisor
	} else if h.now != nil {
		current = h.now.Micros() / h.cfg.TimeDivisor
	}

	delta := current - h.lastTime
	h.lastTime = current

	return delta
}

// hibernate persists the Hibernate power state, flushes the cache, then
// streams backing RAM and the interpreter state record to
// SNAPSHOT_FILENAME.
func (h *Host) hibernate() error {
	if err := h.powerReg.Write(storage.Hibernate); err != nil {
		return err
	}

	if err := h.c.Flush(); err != nil {
		return err
	}

	if err := h.facade.Open(h.cfg.SnapshotFilename); err != nil {
		return err
	}

	defer h.facade.Close()

	if _, err := h.facade.Seek(0, io.SeekStart); err != nil {
		return err
	}

	const pageSize = 4096

	ram := make([]byte, pageSize)

	for addr := uint32(0); addr < h.cfg.RAMBytes; addr += pageSize {
		n := pageSize
		if rem := h.cfg.RAMBytes - addr; uint32(n) > rem {
			n = int(rem)
		}

		if err := h.store.Access(addr, n, false, ram[:n]); err != nil {
			return err
		}

		if _, err := h.facade.Write(ram[:n]); err != nil {
			return err
		}
	}

	if _, err := h.facade.Write(encodeState(h.cpu)); err != nil {
		return err
	}

	return nil
}
