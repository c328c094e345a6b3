package riscv

import "fmt"

// Step return codes, matching the host's lifecycle dispatch table.
const (
	StepContinue = 0
	StepWFI      = 1
	StepFatal    = 3
	StepReboot   = 0x7777
	StepPowerOff = 0x5555
)

// Standard syscon-style address a guest writes 0x5555/0x7777 to in order to
// request power-off/reboot. This sits outside normal RAM, so the CPU routes
// it to the control path rather than through the cache.
const sysconAddr = 0x11100000

// CPU is the register file and program counter of a single RV32IM hart,
// plus the small amount of extra state the host needs to serialize across
// hibernation (cycle counter, privilege flags).
type CPU struct {
	Regs [32]uint32
	PC   uint32

	CycleLow  uint32
	CycleHigh uint32

	// ExtraFlags bits 0-1 hold the privilege mode (3 is machine mode);
	// bit 2 marks a pending WFI.
	ExtraFlags uint32

	MTimeCmp uint64

	// RAMBytes is the size of the region routed through the cache.
	// RAMImageOffset is the guest-virtual base address that region is
	// mapped at; addresses in [RAMImageOffset, RAMImageOffset+RAMBytes) go
	// to the cache path (with the offset left for the bus adapter to
	// subtract), everything else goes to the control path unmodified.
	RAMBytes       uint32
	RAMImageOffset uint32

	csr map[uint32]uint32
}

// NewCPU returns a CPU with its standard architectural CSRs zeroed.
func NewCPU(ramBytes, ramImageOffset uint32) *CPU {
	return &CPU{
		RAMBytes:       ramBytes,
		RAMImageOffset: ramImageOffset,
		csr:            make(map[uint32]uint32),
	}
}

func (c *CPU) inRAMWindow(addr uint32) bool {
	return addr >= c.RAMImageOffset && addr-c.RAMImageOffset < c.RAMBytes
}

var ErrUnalignedFetch = fmt.Errorf("riscv: unaligned instruction fetch")

// Step executes up to count instructions, advancing the guest's sense of
// elapsed time by elapsedUs (added to the cycle counter). It returns one of
// the Step* codes.
func (c *CPU) Step(bus Bus, count int, elapsedUs uint32) (int, error) {
	c.addCycles(elapsedUs)

	for i := 0; i < count; i++ {
		if c.ExtraFlags&4 != 0 {
			return StepWFI, nil
		}

		if c.PC&3 != 0 {
			return StepFatal, ErrUnalignedFetch
		}

		raw, err := c.fetch(bus, c.PC)
		if err != nil {
			code, herr := bus.PostExec(3)
			if herr != nil {
				return StepFatal, herr
			}

			return int(code), nil
		}

		code, err := c.execute(bus, raw)
		if err != nil {
			return StepFatal, err
		}

		c.addCycles(1)

		if code != StepContinue {
			return code, nil
		}
	}

	return StepContinue, nil
}

func (c *CPU) addCycles(n uint32) {
	if c.CycleLow+n < c.CycleLow {
		c.CycleHigh++
	}

	c.CycleLow += n
}

func (c *CPU) fetch(bus Bus, addr uint32) (uint32, error) {
	if !c.inRAMWindow(addr) {
		return 0, fmt.Errorf("riscv: fetch outside RAM at %#x", addr)
	}

	return bus.Load4(addr)
}

func (c *CPU) reg(i uint32) uint32 {
	if i == 0 {
		return 0
	}

	return c.Regs[i]
}

func (c *CPU) setReg(i uint32, v uint32) {
	if i != 0 {
		c.Regs[i] = v
	}
}

// execute decodes and runs one instruction, returning a non-StepContinue
// code only for a syscon request or an unrecoverable trap.
func (c *CPU) execute(bus Bus, ins uint32) (int, error) {
	opcode := ins & 0x7f
	rd := (ins >> 7) & 0x1f
	funct3 := (ins >> 12) & 0x7
	rs1 := (ins >> 15) & 0x1f
	rs2 := (ins >> 20) & 0x1f
	funct7 := (ins >> 25) & 0x7f

	nextPC := c.PC + 4

	switch opcode {
	case 0x37: // LUI
		c.setReg(rd, ins&0xfffff000)
	case 0x17: // AUIPC
		c.setReg(rd, c.PC+(ins&0xfffff000))
	case 0x6f: // JAL
		imm := decodeJImm(ins)
		c.setReg(rd, nextPC)
		nextPC = c.PC + imm
	case 0x67: // JALR
		imm := decodeIImm(ins)
		target := (c.reg(rs1) + imm) &^ 1
		c.setReg(rd, nextPC)
		nextPC = target
	case 0x63: // branches
		imm := decodeBImm(ins)
		a, b := c.reg(rs1), c.reg(rs2)
		taken := false

		switch funct3 {
		case 0x0:
			taken = a == b
		case 0x1:
			taken = a != b
		case 0x4:
			taken = int32(a) < int32(b)
		case 0x5:
			taken = int32(a) >= int32(b)
		case 0x6:
			taken = a < b
		case 0x7:
			taken = a >= b
		}

		if taken {
			nextPC = c.PC + imm
		}
	case 0x03: // loads
		imm := decodeIImm(ins)
		addr := c.reg(rs1) + imm

		v, code, err := c.load(bus, addr, funct3)
		if err != nil {
			return StepContinue, err
		}

		if code != StepContinue {
			return code, nil
		}

		c.setReg(rd, v)
	case 0x23: // stores
		imm := decodeSImm(ins)
		addr := c.reg(rs1) + imm
		val := c.reg(rs2)

		code, err := c.store(bus, addr, val, funct3)
		if err != nil {
			return StepContinue, err
		}

		if code != StepContinue {
			return code, nil
		}
	case 0x13: // immediate ALU
		imm := decodeIImm(ins)
		a := c.reg(rs1)

		var result uint32

		switch funct3 {
		case 0x0:
			result = a + imm
		case 0x2:
			result = boolU32(int32(a) < int32(imm))
		case 0x3:
			result = boolU32(a < imm)
		case 0x4:
			result = a ^ imm
		case 0x6:
			result = a | imm
		case 0x7:
			result = a & imm
		case 0x1:
			result = a << (imm & 0x1f)
		case 0x5:
			if funct7>>1 == 0x10 {
				result = uint32(int32(a) >> (imm & 0x1f))
			} else {
				result = a >> (imm & 0x1f)
			}
		}

		c.setReg(rd, result)
	case 0x33: // register ALU, including M extension
		a, b := c.reg(rs1), c.reg(rs2)

		var result uint32

		switch {
		case funct7 == 0x01:
			result = c.execM(funct3, a, b)
		case funct3 == 0x0 && funct7 == 0x20:
			result = a - b
		case funct3 == 0x0:
			result = a + b
		case funct3 == 0x1:
			result = a << (b & 0x1f)
		case funct3 == 0x2:
			result = boolU32(int32(a) < int32(b))
		case funct3 == 0x3:
			result = boolU32(a < b)
		case funct3 == 0x4:
			result = a ^ b
		case funct3 == 0x5 && funct7 == 0x20:
			result = uint32(int32(a) >> (b & 0x1f))
		case funct3 == 0x5:
			result = a >> (b & 0x1f)
		case funct3 == 0x6:
			result = a | b
		case funct3 == 0x7:
			result = a & b
		}

		c.setReg(rd, result)
	case 0x0f: // FENCE / FENCE.I, no-op on a single in-order hart
	case 0x73: // SYSTEM: ECALL/EBREAK/CSR*
		code, err := c.system(bus, ins, rd, funct3, rs1)
		if err != nil {
			return StepContinue, err
		}

		if code != StepContinue {
			return code, nil
		}
	case 0x2f: // A extension: AMO. Single-threaded, so the atomic is just a
		// load-modify-store against the cache.
		if err := c.execAMO(bus, funct3, funct7>>2, rd, rs1, rs2); err != nil {
			return StepContinue, err
		}
	default:
		code, herr := bus.PostExec(3)
		if herr != nil {
			return StepFatal, herr
		}

		return int(code), nil
	}

	c.PC = nextPC

	return StepContinue, nil
}

func (c *CPU) load(bus Bus, addr uint32, funct3 uint32) (uint32, int, error) {
	if !c.inRAMWindow(addr) {
		v, err := bus.ControlLoad(addr)

		return v, StepContinue, err
	}

	switch funct3 {
	case 0x0:
		v, err := bus.Load1s(addr)

		return uint32(v), StepContinue, err
	case 0x1:
		v, err := bus.Load2s(addr)

		return uint32(v), StepContinue, err
	case 0x2:
		v, err := bus.Load4(addr)

		return v, StepContinue, err
	case 0x4:
		v, err := bus.Load1(addr)

		return v, StepContinue, err
	case 0x5:
		v, err := bus.Load2(addr)

		return v, StepContinue, err
	default:
		return 0, StepContinue, fmt.Errorf("riscv: bad load width %d", funct3)
	}
}

func (c *CPU) store(bus Bus, addr, val uint32, funct3 uint32) (int, error) {
	if addr == sysconAddr {
		if val == StepPowerOff || val == StepReboot {
			return int(val), nil
		}

		return StepContinue, bus.ControlStore(addr, val)
	}

	if !c.inRAMWindow(addr) {
		return StepContinue, bus.ControlStore(addr, val)
	}

	switch funct3 {
	case 0x0:
		return StepContinue, bus.Store1(addr, val)
	case 0x1:
		return StepContinue, bus.Store2(addr, val)
	case 0x2:
		return StepContinue, bus.Store4(addr, val)
	default:
		return StepContinue, fmt.Errorf("riscv: bad store width %d", funct3)
	}
}

func (c *CPU) execM(funct3 uint32, a, b uint32) uint32 {
	switch funct3 {
	case 0x0: // MUL
		return a * b
	case 0x1: // MULH
		return uint32((int64(int32(a)) * int64(int32(b))) >> 32)
	case 0x2: // MULHSU
		return uint32((int64(int32(a)) * int64(uint64(b))) >> 32)
	case 0x3: // MULHU
		return uint32((uint64(a) * uint64(b)) >> 32)
	case 0x4: // DIV
		if b == 0 {
			return 0xffffffff
		}

		return uint32(int32(a) / int32(b))
	case 0x5: // DIVU
		if b == 0 {
			return 0xffffffff
		}

		return a / b
	case 0x6: // REM
		if b == 0 {
			return a
		}

		return uint32(int32(a) % int32(b))
	case 0x7: // REMU
		if b == 0 {
			return a
		}

		return a % b
	default:
		return 0
	}
}

func (c *CPU) execAMO(bus Bus, funct3, op uint32, rd, rs1, rs2 uint32) error {
	if funct3 != 0x2 { // amo.w only
		return fmt.Errorf("riscv: unsupported AMO width %d", funct3)
	}

	addr := c.reg(rs1)

	old, _, err := c.load(bus, addr, 0x2)
	if err != nil {
		return err
	}

	rs2v := c.reg(rs2)

	var result uint32

	switch op {
	case 0x00: // AMOADD
		result = old + rs2v
	case 0x01: // AMOSWAP
		result = rs2v
	case 0x04: // AMOXOR
		result = old ^ rs2v
	case 0x08: // AMOOR
		result = old | rs2v
	case 0x0c: // AMOAND
		result = old & rs2v
	case 0x10: // AMOMIN
		result = uint32(minI32(int32(old), int32(rs2v)))
	case 0x14: // AMOMAX
		result = uint32(maxI32(int32(old), int32(rs2v)))
	case 0x18: // AMOMINU
		result = minU32(old, rs2v)
	case 0x1c: // AMOMAXU
		result = maxU32(old, rs2v)
	case 0x02, 0x03: // LR/SC: uniprocessor, so always succeed trivially
		if op == 0x02 {
			c.setReg(rd, old)

			return nil
		}

		if _, err := c.store(bus, addr, rs2v, 0x2); err != nil {
			return err
		}

		c.setReg(rd, 0)

		return nil
	default:
		return fmt.Errorf("riscv: unsupported AMO op %#x", op)
	}

	c.setReg(rd, old)

	if _, err := c.store(bus, addr, result, 0x2); err != nil {
		return err
	}

	return nil
}

func (c *CPU) system(bus Bus, ins uint32, rd, funct3, rs1 uint32) (int, error) {
	csr := ins >> 20

	switch funct3 {
	case 0x0:
		imm := ins >> 20

		switch imm {
		case 0x0: // ECALL
			code, err := bus.PostExec(11)
			if err != nil {
				return StepFatal, err
			}

			return int(code), nil
		case 0x1: // EBREAK
			code, err := bus.PostExec(3)
			if err != nil {
				return StepFatal, err
			}

			return int(code), nil
		default:
			return StepContinue, nil
		}
	case 0x1, 0x2, 0x3, 0x5, 0x6, 0x7:
		old, err := c.readCSR(bus, csr)
		if err != nil {
			return StepContinue, err
		}

		var next uint32

		switch funct3 {
		case 0x1, 0x5:
			next = c.operand(rs1, funct3)
		case 0x2, 0x6:
			next = old | c.operand(rs1, funct3)
		case 0x3, 0x7:
			next = old &^ c.operand(rs1, funct3)
		}

		if err := c.writeCSR(bus, csr, next); err != nil {
			return StepContinue, err
		}

		c.setReg(rd, old)

		return StepContinue, nil
	default:
		return StepContinue, fmt.Errorf("riscv: bad SYSTEM funct3 %d", funct3)
	}
}

func (c *CPU) operand(rs1, funct3 uint32) uint32 {
	if funct3 >= 0x5 { // immediate form: rs1 field holds a 5-bit zero-extended constant
		return rs1
	}

	return c.reg(rs1)
}

var standardCSRs = map[uint32]bool{
	0x300: true, // mstatus
	0x301: true, // misa
	0x304: true, // mie
	0x305: true, // mtvec
	0x340: true, // mscratch
	0x341: true, // mepc
	0x342: true, // mcause
	0x343: true, // mtval
	0x344: true, // mip
	0xf14: true, // mhartid
	0xb00: true, // mcycle
	0xb02: true, // minstret
}

func (c *CPU) readCSR(bus Bus, csr uint32) (uint32, error) {
	if csr == 0xb00 {
		return c.CycleLow, nil
	}

	if standardCSRs[csr] {
		return c.csr[csr], nil
	}

	return bus.CSRRead(csr)
}

func (c *CPU) writeCSR(bus Bus, csr, v uint32) error {
	if standardCSRs[csr] {
		c.csr[csr] = v

		return nil
	}

	return bus.CSRWrite(csr, v)
}

func decodeIImm(ins uint32) uint32 { return signExtend(ins>>20, 12) }

func decodeSImm(ins uint32) uint32 {
	imm := ((ins >> 25) << 5) | ((ins >> 7) & 0x1f)

	return signExtend(imm, 12)
}

func decodeBImm(ins uint32) uint32 {
	imm := ((ins >> 31) << 12) | (((ins >> 7) & 1) << 11) |
		(((ins >> 25) & 0x3f) << 5) | (((ins >> 8) & 0xf) << 1)

	return signExtend(imm, 13)
}

func decodeJImm(ins uint32) uint32 {
	imm := ((ins >> 31) << 20) | (((ins >> 12) & 0xff) << 12) |
		(((ins >> 20) & 1) << 11) | (((ins >> 21) & 0x3ff) << 1)

	return signExtend(imm, 21)
}

func signExtend(v, bits uint32) uint32 {
	shift := 32 - bits
	return uint32(int32(v<<shift) >> shift)
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}

func minI32(a, b int32) int32 {
	if a < b {
		return a
	}

	return b
}

func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}

	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}

	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}

	return b
}
