// Package migrate ships a hibernated VM session to another host over a
// plain net.Conn, using the migration package's framed protocol: a gob-
// encoded interpreter state record, the raw RAM image, and the raw block
// storage image, in that order.
package migrate

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/embeddedgo/rv32vm/config"
	"github.com/embeddedgo/rv32vm/migration"
	"github.com/embeddedgo/rv32vm/storage"
)

// interpreterStateSize matches the on-disk hibernation record layout: 32
// registers, PC, CycleLow, CycleHigh, ExtraFlags, MTimeCmp.
const interpreterStateSize = 32*4 + 4 + 4 + 4 + 4 + 8

func encodeCPUState(s migration.CPUState) []byte {
	buf := make([]byte, interpreterStateSize)
	off := 0

	for _, r := range s.Regs {
		binary.LittleEndian.PutUint32(buf[off:], r)
		off += 4
	}

	binary.LittleEndian.PutUint32(buf[off:], s.PC)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.CycleLow)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.CycleHigh)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.ExtraFlags)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], s.MTimeCmp)

	return buf
}

func decodeCPUState(buf []byte) (migration.CPUState, error) {
	var s migration.CPUState

	if len(buf) != interpreterStateSize {
		return s, fmt.Errorf("migrate: interpreter state record is %d bytes, want %d", len(buf), interpreterStateSize)
	}

	off := 0

	for i := range s.Regs {
		s.Regs[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}

	s.PC = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.CycleLow = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.CycleHigh = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.ExtraFlags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	s.MTimeCmp = binary.LittleEndian.Uint64(buf[off:])

	return s, nil
}

// Send reads the snapshot and block storage files written by a prior
// hibernation out of dir, streams them to conn, and waits for the
// destination's ready acknowledgement.
func Send(conn net.Conn, cfg config.Config, dir string) error {
	facade := storage.New(dir)

	if err := facade.Open(cfg.SnapshotFilename); err != nil {
		return fmt.Errorf("migrate: open snapshot: %w", err)
	}

	ram := make([]byte, cfg.RAMBytes)
	if _, err := facade.Read(ram); err != nil {
		facade.Close()

		return fmt.Errorf("migrate: read snapshot RAM: %w", err)
	}

	record := make([]byte, interpreterStateSize)
	if _, err := facade.Read(record); err != nil {
		facade.Close()

		return fmt.Errorf("migrate: read interpreter state: %w", err)
	}

	facade.Close()

	cpu, err := decodeCPUState(record)
	if err != nil {
		return err
	}

	if err := facade.Open(cfg.BlkFilename); err != nil {
		return fmt.Errorf("migrate: open block image: %w", err)
	}

	blkSize, err := facade.Size()
	if err != nil {
		facade.Close()

		return fmt.Errorf("migrate: stat block image: %w", err)
	}

	blk := make([]byte, blkSize)
	if _, err := facade.Read(blk); err != nil {
		facade.Close()

		return fmt.Errorf("migrate: read block image: %w", err)
	}

	facade.Close()

	sender := migration.NewSender(conn)

	snap := &migration.Snapshot{RAMBytes: cfg.RAMBytes, DTBBytes: cfg.DTBBytes, CPU: cpu}
	if err := sender.SendSnapshot(snap); err != nil {
		return err
	}

	if err := sender.SendMemory(ram); err != nil {
		return err
	}

	if err := sender.SendBlk(blk); err != nil {
		return err
	}

	if err := sender.SendDone(); err != nil {
		return err
	}

	recv := migration.NewReceiver(conn)

	msgType, _, err := recv.Next()
	if err != nil {
		return fmt.Errorf("migrate: waiting for ready: %w", err)
	}

	if msgType != migration.MsgReady {
		return fmt.Errorf("migrate: expected MsgReady, got %d", msgType)
	}

	return nil
}

// Receive reads a migration.Sender's stream from conn, writes the snapshot
// and block image into dir, marks the storage power state as Hibernate
// (so the next Boot resumes rather than cold-boots), and acknowledges.
func Receive(conn net.Conn, cfg config.Config, dir string) error {
	recv := migration.NewReceiver(conn)

	msgType, payload, err := recv.Next()
	if err != nil {
		return fmt.Errorf("migrate: read snapshot: %w", err)
	}

	if msgType != migration.MsgSnapshot {
		return fmt.Errorf("migrate: expected MsgSnapshot, got %d", msgType)
	}

	snap, err := migration.DecodeSnapshot(payload)
	if err != nil {
		return err
	}

	msgType, ram, err := recv.Next()
	if err != nil {
		return fmt.Errorf("migrate: read memory: %w", err)
	}

	if msgType != migration.MsgMemory {
		return fmt.Errorf("migrate: expected MsgMemory, got %d", msgType)
	}

	msgType, blk, err := recv.Next()
	if err != nil {
		return fmt.Errorf("migrate: read block image: %w", err)
	}

	if msgType != migration.MsgBlk {
		return fmt.Errorf("migrate: expected MsgBlk, got %d", msgType)
	}

	msgType, _, err = recv.Next()
	if err != nil {
		return fmt.Errorf("migrate: read done: %w", err)
	}

	if msgType != migration.MsgDone {
		return fmt.Errorf("migrate: expected MsgDone, got %d", msgType)
	}

	facade := storage.New(dir)

	if err := facade.Open(cfg.SnapshotFilename); err != nil {
		return fmt.Errorf("migrate: create snapshot: %w", err)
	}

	if _, err := facade.Write(ram); err != nil {
		facade.Close()

		return fmt.Errorf("migrate: write snapshot RAM: %w", err)
	}

	if _, err := facade.Write(encodeCPUState(snap.CPU)); err != nil {
		facade.Close()

		return fmt.Errorf("migrate: write interpreter state: %w", err)
	}

	facade.Close()

	if err := facade.Open(cfg.BlkFilename); err != nil {
		return fmt.Errorf("migrate: create block image: %w", err)
	}

	if _, err := facade.Write(blk); err != nil {
		facade.Close()

		return fmt.Errorf("migrate: write block image: %w", err)
	}

	facade.Close()

	powerReg := storage.NewPowerStateRegistry(facade, cfg.PowerStateFile)
	if err := powerReg.Write(storage.Hibernate); err != nil {
		return fmt.Errorf("migrate: persist hibernate state: %w", err)
	}

	sender := migration.NewSender(conn)

	return sender.SendReady()
}
