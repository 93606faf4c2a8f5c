package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllowUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("Allow() error = %v in unlimited mode", err)
		}
	}
}

func TestAllowExhaustsBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("Allow() #%d error = %v", i+1, err)
		}
	}
	if err := l.Allow("k"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Allow() after burst = %v, want ErrRateLimited", err)
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	now := time.Now()
	l.now = func() time.Time { return now }

	if err := l.Allow("k"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("k"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow() = %v, want ErrRateLimited", err)
	}

	// 60/min refills one token per second.
	now = now.Add(time.Second)
	if err := l.Allow("k"); err != nil {
		t.Errorf("Allow() after refill = %v", err)
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	now := time.Now()
	l.now = func() time.Time { return now }

	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow(a) = %v, want ErrRateLimited", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("Allow(b) = %v, want independent bucket", err)
	}
}

func TestBurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 5})
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("Allow() #%d error = %v", i+1, err)
		}
	}
	if err := l.Allow("k"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Allow() = %v, want ErrRateLimited", err)
	}
}
