// Package migration implements the wire protocol used to hand a hibernated
// VM session off to another host over the network: a snapshot of the
// interpreter's architectural state, the guest RAM image, and the block
// storage image, framed and streamed in sequence.
package migration

// CPUState mirrors the RV32IMA interpreter's serializable state (the same
// fields the on-disk hibernation record carries) in a form gob can encode
// without depending on the riscv package directly.
type CPUState struct {
	Regs [32]uint32
	PC   uint32

	CycleLow  uint32
	CycleHigh uint32

	ExtraFlags uint32
	MTimeCmp   uint64
}

// Snapshot is the complete VM state handed off during migration. Guest RAM
// and the block storage image are transferred separately as raw byte
// streams, since gob-encoding multi-megabyte buffers wastes a full extra
// copy for no benefit.
type Snapshot struct {
	RAMBytes uint32
	DTBBytes uint32
	CPU      CPUState
}
