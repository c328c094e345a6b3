package migration_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"testing"

	"github.com/embeddedgo/rv32vm/migration"
)

func pipe() (*migration.Sender, *migration.Receiver) {
	pr, pw := io.Pipe()

	return migration.NewSender(pw), migration.NewReceiver(pr)
}

func mustNext(t *testing.T, recv *migration.Receiver) (migration.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgDone {
		t.Fatalf("got type %d, want MsgDone (%d)", msgType, migration.MsgDone)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgDone should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveReady(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendReady(); err != nil {
			t.Errorf("SendReady: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgReady {
		t.Fatalf("got type %d, want MsgReady (%d)", msgType, migration.MsgReady)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgReady should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveMemory(t *testing.T) {
	t.Parallel()

	const memSize = 4096 * 3
	mem := make([]byte, memSize)

	for i := range mem {
		mem[i] = byte(i % 251)
	}

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemory(mem); err != nil {
			t.Errorf("SendMemory: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemory {
		t.Fatalf("got type %d, want MsgMemory (%d)", msgType, migration.MsgMemory)
	}

	if !bytes.Equal(payload, mem) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(payload), len(mem))
	}
}

func TestSendReceiveBlk(t *testing.T) {
	t.Parallel()

	const diskSize = 4096 * 2
	disk := make([]byte, diskSize)

	for i := range disk {
		disk[i] = byte(i % 199)
	}

	sender, recv := pipe()

	go func() {
		if err := sender.SendBlk(disk); err != nil {
			t.Errorf("SendBlk: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgBlk {
		t.Fatalf("got type %d, want MsgBlk (%d)", msgType, migration.MsgBlk)
	}

	if !bytes.Equal(payload, disk) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(payload), len(disk))
	}
}

func makeSnapshot() *migration.Snapshot {
	cpu := migration.CPUState{
		PC:         0x80000000,
		CycleLow:   42,
		CycleHigh:  0,
		ExtraFlags: 3,
		MTimeCmp:   0xFFFFFFFFFFFFFFFF,
	}
	cpu.Regs[10] = 0
	cpu.Regs[11] = 0x80f00000

	return &migration.Snapshot{
		RAMBytes: 1 << 25,
		DTBBytes: 1 << 17,
		CPU:      cpu,
	}
}

func TestSendReceiveSnapshot(t *testing.T) {
	t.Parallel()

	snap := makeSnapshot()
	sender, recv := pipe()

	go func() {
		if err := sender.SendSnapshot(snap); err != nil {
			t.Errorf("SendSnapshot: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgSnapshot {
		t.Fatalf("got type %d, want MsgSnapshot (%d)", msgType, migration.MsgSnapshot)
	}

	got, err := migration.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("snapshot round-trip mismatch:\ngot  %+v\nwant %+v", got, snap)
	}
}

// TestFullHandoffProtocol sends the complete sequence of messages a real
// source would produce and verifies the receiver sees them in order.
func TestFullHandoffProtocol(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	const pages = 4

	mem := make([]byte, pageSize*pages)
	for i := range mem {
		mem[i] = byte(i)
	}

	snap := makeSnapshot()

	disk := bytes.Repeat([]byte{0xDA}, pageSize*2)

	sender, recv := pipe()

	errc := make(chan error, 1)

	go func() {
		var err error

		if err = sender.SendSnapshot(snap); err != nil {
			errc <- err

			return
		}

		if err = sender.SendMemory(mem); err != nil {
			errc <- err

			return
		}

		if err = sender.SendBlk(disk); err != nil {
			errc <- err

			return
		}

		err = sender.SendDone()
		errc <- err
	}()

	wantTypes := []migration.MsgType{
		migration.MsgSnapshot,
		migration.MsgMemory,
		migration.MsgBlk,
		migration.MsgDone,
	}

	for _, wantType := range wantTypes {
		msgType, payload, err := recv.Next()
		if err != nil {
			t.Fatalf("recv.Next (want %d): %v", wantType, err)
		}

		if msgType != wantType {
			t.Fatalf("message order: got type %d, want %d", msgType, wantType)
		}

		switch msgType {
		case migration.MsgSnapshot:
			got, err := migration.DecodeSnapshot(payload)
			if err != nil {
				t.Fatalf("DecodeSnapshot: %v", err)
			}

			if !reflect.DeepEqual(got, snap) {
				t.Fatalf("snapshot mismatch")
			}

		case migration.MsgMemory:
			if !bytes.Equal(payload, mem) {
				t.Fatalf("MsgMemory payload mismatch")
			}

		case migration.MsgBlk:
			if !bytes.Equal(payload, disk) {
				t.Fatalf("MsgBlk payload mismatch: got %d bytes, want %d", len(payload), len(disk))
			}

		case migration.MsgDone:
			if len(payload) != 0 {
				t.Fatalf("MsgDone should have no payload")
			}
		}
	}

	if err := <-errc; err != nil {
		t.Fatalf("sender goroutine: %v", err)
	}
}

func TestDecodeSnapshotInvalidGob(t *testing.T) {
	t.Parallel()

	_, err := migration.DecodeSnapshot([]byte{0xFF, 0xFE, 0xFD})
	if err == nil {
		t.Fatal("expected error decoding garbage, got nil")
	}
}

func TestMultipleMessages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)
	recv := migration.NewReceiver(&buf)

	_ = sender.SendReady()
	_ = sender.SendDone()
	_ = sender.SendMemory([]byte{1, 2, 3})

	for i, wantType := range []migration.MsgType{
		migration.MsgReady,
		migration.MsgDone,
		migration.MsgMemory,
	} {
		msgType, _, err := recv.Next()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}

		if msgType != wantType {
			t.Fatalf("message %d: got type %d, want %d", i, msgType, wantType)
		}
	}
}

func TestReceiverEOF(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer // empty

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error on empty stream, got nil")
	}
}

func TestReceiverTruncatedHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	buf.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00})

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error for truncated header, got nil")
	}
}

func TestReceiverTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(migration.MsgMemory))
	binary.BigEndian.PutUint64(hdr[4:12], 1000)
	buf.Write(hdr)
	buf.Write([]byte{0x01, 0x02, 0x03}) // only 3 bytes instead of 1000

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
}

func TestSendMemoryEmpty(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemory([]byte{}); err != nil {
			t.Errorf("SendMemory(empty): %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemory {
		t.Fatalf("got type %d, want MsgMemory", msgType)
	}

	if len(payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(payload))
	}
}
