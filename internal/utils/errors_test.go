package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestAppErrorUnwrap(t *testing.T) {
	err := NewAppError(OpSaveState, "rename temp file", fs.ErrPermission)
	wrapped := fmt.Errorf("persist: %w", err)

	if !errors.Is(wrapped, fs.ErrPermission) {
		t.Fatalf("expected wrapped permission error, got %v", wrapped)
	}
	if op := OpOf(wrapped); op != OpSaveState {
		t.Fatalf("expected op %q, got %q", OpSaveState, op)
	}
	if OpOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty op for plain error")
	}
}

func TestAppErrorMessage(t *testing.T) {
	err := NewAppError(OpWriteReport, "no destination", nil)
	if err.Error() != "write report: no destination" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
