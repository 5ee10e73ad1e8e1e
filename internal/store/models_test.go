package store

import "testing"

func TestJobAbandoned(t *testing.T) {
	cases := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"fresh", 0, 3, false},
		{"mid budget", 2, 3, false},
		{"last retry pending", 3, 3, false},
		{"budget exhausted", 4, 3, true},
		{"zero budget", 1, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := Job{RetryCount: tc.retryCount, MaxRetries: tc.maxRetries}
			if got := j.Abandoned(); got != tc.want {
				t.Errorf("Abandoned() with retry_count=%d max_retries=%d = %v, want %v",
					tc.retryCount, tc.maxRetries, got, tc.want)
			}
		})
	}
}

func TestRunStateTerminal(t *testing.T) {
	terminal := []RunState{RunStateSuccess, RunStateFailed, RunStateStopped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	active := []RunState{RunStateQueued, RunStateRunning, RunStateTerminating}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
