package vmhost

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/embeddedgo/rv32vm/riscv"
)

// interpreterStateSize is the fixed width of the serialized CPU record:
// 32 registers, PC, cycle low/high, extraflags, mtimecmp (8 bytes).
const interpreterStateSize = 32*4 + 4 + 4 + 4 + 4 + 8

// encodeState serializes cpu's architectural state into a fixed-size
// record, byte-for-byte, so hibernation round-trips verbatim.
func encodeState(cpu *riscv.CPU) []byte {
	buf := new(bytes.Buffer)

	for _, r := range cpu.Regs {
		binary.Write(buf, binary.LittleEndian, r)
	}

	binary.Write(buf, binary.LittleEndian, cpu.PC)
	binary.Write(buf, binary.LittleEndian, cpu.CycleLow)
	binary.Write(buf, binary.LittleEndian, cpu.CycleHigh)
	binary.Write(buf, binary.LittleEndian, cpu.ExtraFlags)
	binary.Write(buf, binary.LittleEndian, cpu.MTimeCmp)

	return buf.Bytes()
}

// decodeState restores a CPU's architectural state from a record produced
// by encodeState.
func decodeState(data []byte, cpu *riscv.CPU) error {
	if len(data) != interpreterStateSize {
		return fmt.Errorf("vmhost: interpreter state record is %d bytes, want %d", len(data), interpreterStateSize)
	}

	r := bytes.NewReader(data)

	for i := range cpu.Regs {
		if err := binary.Read(r, binary.LittleEndian, &cpu.Regs[i]); err != nil {
			return err
		}
	}

	for _, dst := range []interface{}{&cpu.PC, &cpu.CycleLow, &cpu.CycleHigh, &cpu.ExtraFlags, &cpu.MTimeCmp} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return err
		}
	}

	return nil
}
