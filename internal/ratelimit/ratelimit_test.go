package ratelimit

import (
	"context"
	"testing"
)

func TestInMemoryLimiter_EnforcesLimit(t *testing.T) {
	l := NewInMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, remaining, _, err := l.Allow(ctx, "acme", 3)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if want := 3 - i - 1; remaining != want {
			t.Errorf("remaining after %d requests = %d, want %d", i+1, remaining, want)
		}
	}

	allowed, _, resetAt, err := l.Allow(ctx, "acme", 3)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("fourth request in the window should be denied")
	}
	if resetAt.IsZero() {
		t.Error("denied request should report when the window resets")
	}
}

func TestInMemoryLimiter_ZeroLimitIsUnlimited(t *testing.T) {
	l := NewInMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		allowed, _, _, err := l.Allow(ctx, "acme", 0)
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatal("unlimited tenant should never be denied")
		}
	}
}

func TestInMemoryLimiter_TenantsIsolated(t *testing.T) {
	l := NewInMemoryLimiter()
	ctx := context.Background()

	if allowed, _, _, _ := l.Allow(ctx, "acme", 1); !allowed {
		t.Fatal("first acme request should pass")
	}
	if allowed, _, _, _ := l.Allow(ctx, "acme", 1); allowed {
		t.Fatal("second acme request should be denied")
	}
	if allowed, _, _, _ := l.Allow(ctx, "globex", 1); !allowed {
		t.Error("globex must not share acme's window")
	}
}
