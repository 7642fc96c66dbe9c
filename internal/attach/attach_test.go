package attach

import (
	"errors"
	"io"
	"testing"
)

func TestIsExpectedPTYErrorRecognizesEOF(t *testing.T) {
	if !isExpectedPTYError(io.EOF) {
		t.Fatalf("expected io.EOF to be recognized as an expected pty error")
	}
}

func TestIsExpectedPTYErrorRecognizesPtyIOError(t *testing.T) {
	err := errors.New("read /dev/ptmx: input/output error")
	if !isExpectedPTYError(err) {
		t.Fatalf("expected the ptmx read error message to be recognized")
	}
}

func TestIsExpectedPTYErrorRejectsOtherErrors(t *testing.T) {
	if isExpectedPTYError(errors.New("some other failure")) {
		t.Fatalf("did not expect an unrelated error to be treated as expected")
	}
}
