package dlmerrors

import (
	"errors"
	"testing"
)

func TestErrorStringWithAndWithoutResource(t *testing.T) {
	withRes := New(ErrBusy, "res1", "recovering")
	if got := withRes.Error(); got != "Busy: recovering (resource: res1)" {
		t.Fatalf("unexpected Error() with resource: %q", got)
	}

	noRes := NewInval("bad mode")
	if got := noRes.Error(); got != "Inval: bad mode" {
		t.Fatalf("unexpected Error() without resource: %q", got)
	}
}

func TestCodeStringUnknown(t *testing.T) {
	if got := Code(999).String(); got != "Unknown(999)" {
		t.Fatalf("unexpected String() for unknown code: %q", got)
	}
}

func TestIsMatchesCode(t *testing.T) {
	err := NewDeadlock("res1")
	if !Is(err, ErrDeadlock) {
		t.Fatal("expected Is to match ErrDeadlock")
	}
	if Is(err, ErrBusy) {
		t.Fatal("expected Is not to match a different code")
	}
	if Is(errors.New("plain"), ErrDeadlock) {
		t.Fatal("expected Is to return false for a non-*Error")
	}
}

func TestConstructorsSetExpectedCodes(t *testing.T) {
	cases := []struct {
		err  *Error
		code Code
	}{
		{NewAgain("r"), ErrAgain},
		{NewDeadlock("r"), ErrDeadlock},
		{NewUnlockNotFound("r"), ErrUnlock},
		{NewCancelNotFound("r"), ErrCancel},
		{NewTimedOut("r"), ErrTimedOut},
		{NewBusy("r"), ErrBusy},
		{NewNotEmpty("r"), ErrNotEmpty},
		{NewNoMaster("r"), ErrNoMaster},
		{NewTransport("r", "msg"), ErrTransport},
	}
	for _, c := range cases {
		if c.err.Code != c.code {
			t.Fatalf("expected code %v, got %v", c.code, c.err.Code)
		}
		if c.err.Resource != "r" {
			t.Fatalf("expected resource %q, got %q", "r", c.err.Resource)
		}
	}
}
