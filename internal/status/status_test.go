package status

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCategoryCoversEveryNamedCode(t *testing.T) {
	for code := range codeNames {
		if code == Unknown {
			continue
		}
		if code.Category() == CategoryUnknown {
			t.Errorf("%s has no category", code)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	err := New(MoveLocExistsBorrow).AtCodeOffset(2, 7).WithMessage("local %d is borrowed", 0)
	got := err.Error()
	for _, want := range []string{"MOVELOC_EXISTS_BORROW_ERROR", "function #2", "offset 7", "local 0 is borrowed"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Error() = %q, missing %q", got, want)
		}
	}
	if err.Category() != CategoryDangling {
		t.Fatalf("category = %v, want dangling", err.Category())
	}
}

func TestCodeOfUnwraps(t *testing.T) {
	base := New(GlobalReferenceError).AtCodeOffset(0, 3)
	wrapped := fmt.Errorf("function f: %w", base)
	if CodeOf(wrapped) != GlobalReferenceError {
		t.Fatalf("CodeOf = %v", CodeOf(wrapped))
	}
	if !errors.Is(wrapped, New(GlobalReferenceError)) {
		t.Fatal("errors.Is should match by code")
	}
	if errors.Is(wrapped, New(CopyMutRef)) {
		t.Fatal("errors.Is matched a different code")
	}
	if CodeOf(errors.New("plain")) != Unknown {
		t.Fatal("plain errors have no code")
	}
}

func TestCodeID(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{InvalidReturnRef, "R1018"},
		{VerifierInvariantViolation, "V2001"},
		{VerifierInternalError, "I9001"},
	}
	for _, tt := range tests {
		if got := tt.code.ID(); got != tt.want {
			t.Errorf("%s.ID() = %q, want %q", tt.code, got, tt.want)
		}
	}
}
