package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "capacity",
			err:  Capacity("memory", 100),
			want: "[allocate] capacity in memory pool: maximum concurrent memory limit of 100 reached",
		},
		{
			name: "platform with cause",
			err:  Platform(PhaseReserve, "mmap", fmt.Errorf("cannot allocate memory")),
			want: "[reserve] platform: mmap failed (caused by: cannot allocate memory)",
		},
		{
			name: "overflow",
			err:  Overflow("table", 4096, 1 << 40),
			want: "[config] overflow in table pool: 4096 slots of 1099511627776 bytes exceed the addressable range",
		},
		{
			name: "closed has no detail",
			err:  Closed("stack"),
			want: "[runtime] closed in stack pool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuilder(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := New(PhaseGrow, KindLimit).
		Pool("memory").
		Detail("requested %d", 42).
		Cause(cause).
		Build()

	if err.Phase != PhaseGrow || err.Kind != KindLimit {
		t.Fatalf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if !strings.Contains(err.Error(), "requested 42") {
		t.Errorf("detail not formatted: %s", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Error("cause not reachable via errors.Is")
	}
}

func TestIs(t *testing.T) {
	a := Capacity("memory", 10)
	b := Capacity("table", 99)
	if !stderrors.Is(a, b) {
		t.Error("same phase/kind should match via errors.Is")
	}
	c := GrowLimit(10, 5)
	if stderrors.Is(a, c) {
		t.Error("different phase/kind should not match")
	}
}

func TestIsCapacity(t *testing.T) {
	err := Capacity("stack", 8)
	if !IsCapacity(err) {
		t.Error("IsCapacity should see a direct capacity error")
	}
	wrapped := fmt.Errorf("instantiate: %w", err)
	if !IsCapacity(wrapped) {
		t.Error("IsCapacity should unwrap")
	}
	if IsCapacity(fmt.Errorf("plain")) {
		t.Error("plain error is not capacity")
	}
	if IsCapacity(nil) {
		t.Error("nil is not capacity")
	}
}

func TestIsPlatform(t *testing.T) {
	err := Platform(PhaseDeallocate, "madvise", fmt.Errorf("EINVAL"))
	if !IsPlatform(err) {
		t.Error("IsPlatform should see a platform error")
	}
	if IsPlatform(Capacity("memory", 1)) {
		t.Error("capacity is not platform")
	}
}
