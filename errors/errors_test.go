package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_IsMatchesByCode(t *testing.T) {
	err := NewDependencyCycle("core-plugin", []string{"core-plugin", "loop-plugin", "web-plugin"})
	wrapped := fmt.Errorf("register: %w", err)

	if !errors.Is(wrapped, ErrDependencyCycle) {
		t.Fatal("expected wrapped error to match ErrDependencyCycle")
	}
	if errors.Is(wrapped, ErrDuplicateID) {
		t.Fatal("cycle error must not match ErrDuplicateID")
	}
	if TypeOf(wrapped) != ErrorTypeRegistry {
		t.Fatalf("expected registry type, got %s", TypeOf(wrapped))
	}
	if CodeOf(wrapped) != CodeDependencyCycle {
		t.Fatalf("expected %s, got %s", CodeDependencyCycle, CodeOf(wrapped))
	}
}

func TestAppError_IsMatchesTypeOnlyTarget(t *testing.T) {
	target := &AppError{Type: ErrorTypeProcess}
	if !errors.Is(NewStartFailed("i-1", errors.New("boom")), target) {
		t.Fatal("type-only target should match any process error")
	}
	if errors.Is(NewCheckFailed("i-1", errors.New("boom")), target) {
		t.Fatal("health error should not match process target")
	}
}

func TestAppError_ErrorString(t *testing.T) {
	inner := errors.New("exec: not found")
	err := NewStartFailed("i-1", inner)
	if got := err.Error(); got == "" || !errors.Is(err, inner) {
		t.Fatalf("unexpected error %q", got)
	}
	if New(ErrorTypeCapacity, CodeCapacityExceeded, "").Error() != "capacity: CAPACITY_EXCEEDED" {
		t.Fatalf("unexpected bare error string %q", New(ErrorTypeCapacity, CodeCapacityExceeded, "").Error())
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil) != nil {
		t.Fatal("FromError(nil) should be nil")
	}
	plain := errors.New("plain")
	if got := FromError(plain); got.Type != ErrorTypeUnknown || got.InnerError != plain {
		t.Fatalf("unexpected conversion %+v", got)
	}
	app := NewNotFound("instance", "x")
	if FromError(app) != app {
		t.Fatal("FromError should return the same AppError")
	}
}

func TestRecover(t *testing.T) {
	var got *AppError
	func() {
		defer Recover(func(e *AppError) { got = e })
		panic("probe exploded")
	}()

	if got == nil {
		t.Fatal("expected panic to be recovered")
	}
	if got.Type != ErrorTypeInternal || got.Message != "probe exploded" {
		t.Fatalf("unexpected recovered error %+v", got)
	}
	if len(got.Stack) == 0 {
		t.Fatal("expected stack to be captured")
	}
}

func TestErrorChain(t *testing.T) {
	chain := NewErrorChain()
	if chain.ErrOrNil() != nil {
		t.Fatal("empty chain should be nil")
	}

	chain.Add(NewParseFailed("a.yaml", errors.New("bad indent")))
	chain.Add(nil)
	chain.Add(NewDuplicateID("web-plugin"))

	if len(chain.Errors()) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(chain.Errors()))
	}
	if n := len(chain.Filter(ErrorTypeDiscovery).Errors()); n != 1 {
		t.Fatalf("expected 1 discovery error, got %d", n)
	}
	if chain.ErrOrNil() == nil {
		t.Fatal("non-empty chain should be an error")
	}
}
