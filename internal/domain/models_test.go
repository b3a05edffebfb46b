package domain

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLoopCount(t *testing.T) {
	tests := []struct {
		in       LoopCount
		want     LoopCount
		infinite bool
	}{
		{LoopInfinite, LoopInfinite, true},
		{-5, 1, false},
		{0, 1, false},
		{1, 1, false},
		{4, 4, false},
	}

	for _, tt := range tests {
		if got := tt.in.Normalize(); got != tt.want {
			t.Errorf("LoopCount(%d).Normalize() = %d, want %d", tt.in, got, tt.want)
		}
		if got := tt.in.IsInfinite(); got != tt.infinite {
			t.Errorf("LoopCount(%d).IsInfinite() = %v, want %v", tt.in, got, tt.infinite)
		}
	}
}

// TestInstanceComplete tests that concurrent completions run the callback once.
func TestInstanceComplete(t *testing.T) {
	inst := NewInstance(7, "voice/intro.ogg", time.Time{})

	var mu sync.Mutex
	calls := 0
	inst.SetCompletion(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst.Complete()
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("Expected 1 completion, got %d", calls)
	}

	// A cleared completion never runs.
	replaced := false
	inst.SetCompletion(func() { replaced = true })
	inst.SetCompletion(nil)
	inst.Complete()
	if replaced {
		t.Error("Cleared completion should not run")
	}
}

func TestLoadStateString(t *testing.T) {
	states := map[LoadState]string{
		StateLoading:  "loading",
		StateLoaded:   "loaded",
		StateFailed:   "failed",
		StateUnloaded: "unloaded",
		LoadState(42): "unknown",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("LoadState(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestAudioEngineError(t *testing.T) {
	err := NewAudioEngineError("load", "music/theme.ogg", "file not found", ErrLoadFailed)

	if !errors.Is(err, ErrLoadFailed) {
		t.Error("Expected AudioEngineError to unwrap to ErrLoadFailed")
	}
	want := "audio load failed for 'music/theme.ogg': file not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := NewAudioEngineError("play", "", "no device", nil)
	if bare.Error() != "audio play failed: no device" {
		t.Errorf("Unexpected message: %q", bare.Error())
	}
}
