package backend

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: Auto},
		{in: " REF ", want: Ref},
		{in: "auto", want: Auto},
		{in: "cuda", wantErr: true},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("Normalize(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestBatchRequested(t *testing.T) {
	t.Parallel()

	b := Batch{Entries: []Entry{
		{Token: 1, Pos: 0},
		{Token: 2, Pos: 1, Scores: true},
		{Token: 3, Pos: 2},
		{Token: 4, Pos: 3, Scores: true},
	}}
	if got := b.Requested(); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("Requested()=%v", got)
	}
	if b.Len() != 4 {
		t.Fatalf("Len()=%d", b.Len())
	}
}

func TestGuardRecoversPanic(t *testing.T) {
	t.Parallel()

	err := Guard("submit", func() error { panic("boom") })
	if !errors.Is(err, ErrBackendFailure) {
		t.Fatalf("expected backend failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("unexpected error text: %v", err)
	}
}

func TestFailKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("out of memory")
	err := Fail("load", cause)
	if !errors.Is(err, ErrBackendFailure) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinel and cause, got %v", err)
	}
	if again := Fail("submit", err); again != err {
		t.Fatalf("expected existing failure to pass through")
	}
	if Fail("noop", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
