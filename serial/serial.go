// Package serial implements the guest-visible console: a buffered input
// queue fed from a host reader, and an io.Writer-backed output sink.
// Unlike a real 16550, there are no baud-rate or interrupt-enable
// registers to emulate — the bridge and bus adapter poll this type
// directly for the two CSR numbers and the two MMIO addresses the guest
// kernel's console driver uses.
package serial

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// Console is the host side of the guest's console: bytes typed by the
// operator arrive on an internal buffered channel; bytes the guest prints
// go straight to output.
type Console struct {
	input  chan byte
	output io.Writer
}

// New returns a Console writing to os.Stdout by default, with room for
// 10000 buffered input bytes — generous enough that a fast paste never
// blocks the reader goroutine feeding it.
func New() *Console {
	return &Console{
		input:  make(chan byte, 10000),
		output: os.Stdout,
	}
}

// SetOutput redirects guest console output, mainly for tests.
func (c *Console) SetOutput(w io.Writer) { c.output = w }

// PutByte emits a single byte of guest console output.
func (c *Console) PutByte(b byte) {
	c.output.Write([]byte{b})
}

// HasInput reports whether at least one input byte is buffered.
func (c *Console) HasInput() bool {
	return len(c.input) > 0
}

// NextInput pops the next buffered input byte, if any.
func (c *Console) NextInput() (byte, bool) {
	select {
	case b := <-c.input:
		return b, true
	default:
		return 0, false
	}
}

// Feed pushes a single byte onto the input queue, for tests and for the
// CLI's interactive keystroke reader.
func (c *Console) Feed(b byte) { c.input <- b }

// Pump reads bytes from in until EOF or onExit reports true for the byte
// just read (used by the CLI to detect a Ctrl-A x "quit" escape from the
// operator's terminal), feeding each one to the input queue.
func (c *Console) Pump(in *bufio.Reader, onExit func(prev, cur byte) bool) error {
	var prev byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		c.Feed(b)

		if onExit != nil && onExit(prev, b) {
			return nil
		}

		prev = b
	}
}
