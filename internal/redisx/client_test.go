package redisx

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"closed", redis.ErrClosed, true},
		{"nil-reply", redis.Nil, false},
		{"generic", errors.New("boom"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransient(tc.err); got != tc.want {
				t.Errorf("isTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNewAppliesDefaultTimeout(t *testing.T) {
	c := New(Config{Addr: "localhost:6379"})
	if c.opTimeout <= 0 {
		t.Fatal("expected a positive default op timeout")
	}
}
