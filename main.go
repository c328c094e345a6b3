//go:build !test

// rv32vm hosts a single RV32IMA guest: it owns the cache, the interpreter,
// the console, and the storage files backing the kernel image, device
// tree, block device, and hibernation snapshot.
package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/embeddedgo/rv32vm/backingstore"
	"github.com/embeddedgo/rv32vm/bridge"
	"github.com/embeddedgo/rv32vm/bus"
	"github.com/embeddedgo/rv32vm/cache"
	"github.com/embeddedgo/rv32vm/config"
	"github.com/embeddedgo/rv32vm/device"
	"github.com/embeddedgo/rv32vm/flag"
	"github.com/embeddedgo/rv32vm/migrate"
	"github.com/embeddedgo/rv32vm/riscv"
	"github.com/embeddedgo/rv32vm/serial"
	"github.com/embeddedgo/rv32vm/storage"
	"github.com/embeddedgo/rv32vm/term"
	"github.com/embeddedgo/rv32vm/vmhost"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(argv []string) error {
	parsed, err := flag.ParseArgs(argv)
	if err != nil {
		return err
	}

	switch parsed.Command {
	case flag.CommandRun:
		return runVM(parsed.Run)
	case flag.CommandProbe:
		return runProbe(parsed.Probe)
	case flag.CommandMigrateSend:
		return runMigrateSend(parsed.MigrateSend)
	case flag.CommandMigrateRecv:
		return runMigrateRecv(parsed.MigrateRecv)
	default:
		return flag.ErrorInvalidSubcommands
	}
}

func configFromRunArgs(a *flag.RunArgs) config.Config {
	cfg := config.Default()

	cfg.RAMBytes = uint32(a.MemSize)
	cfg.DTBBytes = uint32(a.DTBSize)
	cfg.KernelFilename = a.Kernel
	cfg.DTBFilename = a.DTB
	cfg.BlkFilename = a.Blk
	cfg.KernelCmdline = a.Cmdline
	cfg.FixedUpdate = a.FixedUpdate

	return cfg
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

type wallClock struct{ start time.Time }

func (w wallClock) Micros() uint64 { return uint64(time.Since(w.start).Microseconds()) }

func startDebugServer() {
	mux := http.NewServeMux()
	mux.Handle("/debug/fgprof", fgprof.Handler())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Printf("rv32vm: debug server disabled: %v", err)

		return
	}

	log.Printf("rv32vm: wall-clock profile at http://%s/debug/fgprof", ln.Addr())

	go func() {
		_ = http.Serve(ln, mux)
	}()
}

func runVM(a *flag.RunArgs) error {
	cfg := configFromRunArgs(a)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if a.Profile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(a.Dir)).Stop()
		startDebugServer()
	}

	store := backingstore.NewSim(int(cfg.RAMBytes))
	c := cache.New(cfg, store)
	cpu := riscv.NewCPU(cfg.RAMBytes, cfg.RAMImageOffset)

	console := serial.New()

	facade := storage.New(a.Dir)
	powerReg := storage.NewPowerStateRegistry(facade, cfg.PowerStateFile)

	// The bridge hands the adapter addresses it has already converted to
	// physical, so this adapter is built with a zero image offset.
	adapter := bus.New(c, console, nil, nil, 0)
	br := bridge.New(adapter, nil, console, device.NewRegistry(), cfg.BlkSizeBytes, cfg.RAMImageOffset)
	guestBus := bus.New(c, console, br, br, cfg.RAMImageOffset)

	host := vmhost.New(cfg, store, c, cpu, guestBus, br, facade, powerReg,
		realSleeper{}, wallClock{start: time.Now()}, log.Default())
	host.SingleStep(a.SingleStep)

	restore := func() {}

	if term.IsTerminal() {
		r, err := term.SetRawMode()
		if err == nil {
			restore = r
		}
	}

	defer restore()

	go console.Pump(bufio.NewReader(os.Stdin), func(prev, cur byte) bool {
		return prev == 0x01 && cur == 'x' // Ctrl-A x quits the console
	})

	if err := host.Boot(storage.GetSD); err != nil {
		return fmt.Errorf("rv32vm: boot: %w", err)
	}

	blk, err := host.OpenBlockDevice()
	if err != nil {
		return fmt.Errorf("rv32vm: open block device: %w", err)
	}

	br.SetBlockDevice(blk)

	state, err := host.Run()
	if err != nil {
		return fmt.Errorf("rv32vm: run: %w", err)
	}

	log.Printf("rv32vm: stopped, power state %s", state)

	return nil
}

func runProbe(a *flag.ProbeArgs) error {
	facade := storage.New(a.Dir)

	probe := func() error {
		info, err := os.Stat(a.Dir)
		if err != nil {
			return err
		}

		if !info.IsDir() {
			return fmt.Errorf("rv32vm: %s is not a directory", a.Dir)
		}

		return nil
	}

	if err := storage.Mount(probe, storage.RealTimer); err != nil {
		return err
	}

	state, err := storage.NewPowerStateRegistry(facade, config.Default().PowerStateFile).Read()
	if err != nil {
		return err
	}

	fmt.Printf("storage ready, last power state: %s\n", state)

	return nil
}

func runMigrateSend(a *flag.MigrateSendArgs) error {
	conn, err := net.Dial("tcp", a.Addr)
	if err != nil {
		return fmt.Errorf("rv32vm: dial %s: %w", a.Addr, err)
	}

	defer conn.Close()

	cfg := config.Default()

	return migrate.Send(conn, cfg, a.Dir)
}

func runMigrateRecv(a *flag.MigrateRecvArgs) error {
	ln, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return fmt.Errorf("rv32vm: listen on %s: %w", a.Addr, err)
	}

	defer ln.Close()

	log.Printf("rv32vm: waiting for migration on %s", a.Addr)

	conn, err := ln.Accept()
	if err != nil {
		return err
	}

	defer conn.Close()

	cfg := config.Default()

	return migrate.Receive(conn, cfg, a.Dir)
}
