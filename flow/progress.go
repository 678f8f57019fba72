package flow

// ProgressState is the outcome of one tasklet call.
type ProgressState int

const (
	// NoProgress means the call did nothing and the tasklet is not done.
	NoProgress ProgressState = iota
	// MadeProgress means the call did some work and more remains.
	MadeProgress
	// Done means the call did work and the tasklet finished.
	Done
	// WasAlreadyDone means the tasklet had finished before the call.
	WasAlreadyDone
)

// IsMadeProgress reports whether the call did any work.
func (p ProgressState) IsMadeProgress() bool {
	return p == MadeProgress || p == Done
}

// IsDone reports whether the tasklet has finished.
func (p ProgressState) IsDone() bool {
	return p == Done || p == WasAlreadyDone
}

func (p ProgressState) String() string {
	switch p {
	case NoProgress:
		return "NO_PROGRESS"
	case MadeProgress:
		return "MADE_PROGRESS"
	case Done:
		return "DONE"
	case WasAlreadyDone:
		return "WAS_ALREADY_DONE"
	}
	return "UNKNOWN"
}

func progressOf(madeProgress, done bool) ProgressState {
	switch {
	case madeProgress && done:
		return Done
	case madeProgress:
		return MadeProgress
	case done:
		return WasAlreadyDone
	}
	return NoProgress
}

// ProgressTracker accumulates the progress of several sub-steps into one
// ProgressState. After Reset it reports "done, no progress"; each sub-step
// then either records work or vetoes completion.
type ProgressTracker struct {
	madeProgress bool
	done         bool
}

// Reset starts a new accumulation.
func (t *ProgressTracker) Reset() {
	t.madeProgress = false
	t.done = true
}

// MadeProgress records that some work was done.
func (t *ProgressTracker) MadeProgress() {
	t.madeProgress = true
}

// MadeProgressIf records work when b is true.
func (t *ProgressTracker) MadeProgressIf(b bool) {
	t.madeProgress = t.madeProgress || b
}

// NotDone records that work remains.
func (t *ProgressTracker) NotDone() {
	t.done = false
}

// Done marks the accumulation as finished.
func (t *ProgressTracker) Done() {
	t.done = true
}

// MergeWith folds in the state of a sub-step: progress if any step made
// progress, done only if every step is done.
func (t *ProgressTracker) MergeWith(s ProgressState) {
	t.madeProgress = t.madeProgress || s.IsMadeProgress()
	t.done = t.done && s.IsDone()
}

// IsMadeProgress reports the accumulated progress flag.
func (t *ProgressTracker) IsMadeProgress() bool {
	return t.madeProgress
}

// IsDone reports the accumulated done flag.
func (t *ProgressTracker) IsDone() bool {
	return t.done
}

// State returns the accumulated ProgressState.
func (t *ProgressTracker) State() ProgressState {
	return progressOf(t.madeProgress, t.done)
}
