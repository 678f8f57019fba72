package flow

import "testing"

func TestProgressState(t *testing.T) {
	tests := []struct {
		state    ProgressState
		progress bool
		done     bool
		str      string
	}{
		{NoProgress, false, false, "NO_PROGRESS"},
		{MadeProgress, true, false, "MADE_PROGRESS"},
		{Done, true, true, "DONE"},
		{WasAlreadyDone, false, true, "WAS_ALREADY_DONE"},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			if tt.state.IsMadeProgress() != tt.progress {
				t.Errorf("IsMadeProgress() = %v", tt.state.IsMadeProgress())
			}
			if tt.state.IsDone() != tt.done {
				t.Errorf("IsDone() = %v", tt.state.IsDone())
			}
			if tt.state.String() != tt.str {
				t.Errorf("String() = %q", tt.state.String())
			}
			if got := progressOf(tt.progress, tt.done); got != tt.state {
				t.Errorf("progressOf(%v, %v) = %v", tt.progress, tt.done, got)
			}
		})
	}
}

func TestProgressTracker(t *testing.T) {
	var tr ProgressTracker
	tr.Reset()
	if tr.State() != WasAlreadyDone {
		t.Errorf("after Reset State() = %v, want WAS_ALREADY_DONE", tr.State())
	}

	tr.NotDone()
	tr.MadeProgressIf(false)
	if tr.State() != NoProgress {
		t.Errorf("State() = %v, want NO_PROGRESS", tr.State())
	}

	tr.Reset()
	tr.MergeWith(MadeProgress)
	tr.MergeWith(WasAlreadyDone)
	if tr.State() != MadeProgress {
		t.Errorf("merged State() = %v, want MADE_PROGRESS", tr.State())
	}

	tr.Reset()
	tr.MergeWith(Done)
	tr.MergeWith(WasAlreadyDone)
	if tr.State() != Done {
		t.Errorf("merged State() = %v, want DONE", tr.State())
	}

	tr.Reset()
	tr.NotDone()
	tr.MadeProgress()
	tr.Done()
	if !tr.IsDone() || !tr.IsMadeProgress() {
		t.Errorf("IsDone() = %v IsMadeProgress() = %v", tr.IsDone(), tr.IsMadeProgress())
	}
}
