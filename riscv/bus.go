// Package riscv provides the guest-visible side of this system: a compact
// RV32IM decode/execute loop plus the narrow Bus interface it needs from
// its host. Everything below the Bus boundary (cache lookups, MMIO console
// routing, CSR servicing, fault policy) lives in other packages; this one
// only knows how to turn guest bytes into register-file updates.
package riscv

// Bus is what the interpreter needs from its host: sized loads and stores
// routed through the memory bus adapter, a pair of raw control load/store
// hooks for the two fixed MMIO addresses, CSR access for numbers outside
// the interpreter's own architectural set, and a post-execute hook the
// fault-handling policy can use to mask or pass through trap codes.
type Bus interface {
	Load1(addr uint32) (uint32, error)
	Load2(addr uint32) (uint32, error)
	Load4(addr uint32) (uint32, error)
	Load1s(addr uint32) (int32, error)
	Load2s(addr uint32) (int32, error)

	Store1(addr uint32, v uint32) error
	Store2(addr uint32, v uint32) error
	Store4(addr uint32, v uint32) error

	ControlLoad(addr uint32) (uint32, error)
	ControlStore(addr uint32, v uint32) error

	CSRRead(csr uint32) (uint32, error)
	CSRWrite(csr uint32, v uint32) error

	// PostExec is invoked after each trap with the raw exception code the
	// core produced; it returns the code actually propagated to the step
	// loop (a handler may mask specific codes).
	PostExec(code uint32) (uint32, error)
}
