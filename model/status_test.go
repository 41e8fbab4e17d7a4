package model

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusPending, StatusCancelling, true},
		{StatusPending, StatusZipping, false},
		{StatusPending, StatusError, false},
		{StatusDownloading, StatusZipping, true},
		{StatusDownloading, StatusError, true},
		{StatusZipping, StatusUploading, true},
		{StatusUploading, StatusCompleted, true},
		{StatusUploading, StatusCancelling, true},
		{StatusCancelling, StatusCancelled, true},
		{StatusCancelling, StatusError, false},
		{StatusCompleted, StatusPending, false},
		{StatusError, StatusDownloading, false},
		{StatusCancelled, StatusCancelling, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusClasses(t *testing.T) {
	for _, s := range []TaskStatus{StatusCompleted, StatusError, StatusCancelled} {
		if !s.IsTerminal() || s.IsActive() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{StatusPending, StatusDownloading, StatusZipping, StatusUploading, StatusCancelling} {
		if s.IsTerminal() || !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}
	if StatusPending.IsRunning() || StatusCancelling.IsRunning() || !StatusZipping.IsRunning() {
		t.Fatal("unexpected IsRunning classification")
	}
}

func TestOptionsNormalize(t *testing.T) {
	opts, ok := TaskOptions{}.Normalize()
	if !ok || opts.Quality != QualityHigh {
		t.Fatalf("default quality = %q ok=%v", opts.Quality, ok)
	}
	if _, ok := (TaskOptions{Quality: "lossless"}).Normalize(); ok {
		t.Fatal("unknown quality accepted")
	}
}
