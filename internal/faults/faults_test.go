package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfThroughWrapping(t *testing.T) {
	err := Connection("fetch", errors.New("reset"))
	wrapped := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", err))
	if KindOf(wrapped) != KindConnection {
		t.Fatalf("got %s", KindOf(wrapped))
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("unclassified errors must map to unknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Fatal("nil must map to unknown")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Connection("op", errors.New("x")), true},
		{RateLimit("op", errors.New("x")), true},
		{errors.New("unclassified"), true},
		{Auth("op", errors.New("x")), false},
		{Validationf("op", "x"), false},
		{Parse("op", errors.New("x")), false},
		{Storage("op", errors.New("x")), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("Retryable(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestFromHTTPStatus(t *testing.T) {
	cases := map[int]Kind{
		401: KindAuth,
		403: KindAuth,
		429: KindRateLimit,
		500: KindConnection,
		503: KindConnection,
		404: KindUnknown,
	}
	for status, want := range cases {
		if got := KindOf(FromHTTPStatus("op", status)); got != want {
			t.Errorf("status %d: got %s, want %s", status, got, want)
		}
	}
}
