package term_test

import (
	"errors"
	"syscall"
	"testing"

	"github.com/embeddedgo/rv32vm/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	if term.IsTerminal() {
		t.Fatalf("it is not terminal")
	}
}

func TestSetRawMode(t *testing.T) {
	t.Parallel()

	if _, err := term.SetRawMode(); err != nil && !errors.Is(err, syscall.ENOTTY) {
		t.Fatalf("error SetRawMode: %v", err)
	}
}
