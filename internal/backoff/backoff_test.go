// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"testing"
	"time"
)

func TestDelayDoublesWithoutJitter(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
	}

	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d): expected %s got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond}

	if got := p.Delay(5); got != 300*time.Millisecond {
		t.Fatalf("expected cap at 300ms, got %s", got)
	}
}

func TestDelayJitterStaysBounded(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: true}

	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay out of bounds: %s", d)
		}
	}
}

func TestDefaults(t *testing.T) {
	p := Policy{}
	if got := p.Delay(1); got != DefaultInitial {
		t.Fatalf("expected default initial delay, got %s", got)
	}

	d := Default()
	if d.Initial != DefaultInitial || d.Max != DefaultMax || !d.Jitter {
		t.Fatalf("unexpected default policy: %+v", d)
	}
}
