package flow

import (
	"context"
	"math/rand"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxSkipRounds caps how many rounds a stalled tasklet sits out.
const maxSkipRounds = 8

// spinRounds is how many idle rounds a worker yields before it sleeps.
const spinRounds = 4

// runnable is the scheduler's view of a tasklet.
type runnable interface {
	Call(ctx context.Context) (ProgressState, error)
	isCooperative() bool
}

// scheduledTasklet tracks the deferral of one tasklet on its worker.
type scheduledTasklet struct {
	t       runnable
	skip    int
	backoff int
}

// worker runs a fixed set of tasklets round robin.
type worker struct {
	tasklets []*scheduledTasklet
	idleMin  time.Duration
	idleMax  time.Duration
	rng      *rand.Rand
}

// scheduler owns the workers of one job execution. Cooperative tasklets
// are dealt round robin to a fixed number of workers at start; every
// non-cooperative tasklet gets a worker of its own.
type scheduler struct {
	workers []*worker
}

func newScheduler(tasklets []runnable, threads int, idleMin, idleMax time.Duration) *scheduler {
	if threads < 1 {
		threads = 1
	}
	newWorker := func() *worker {
		return &worker{
			idleMin: idleMin,
			idleMax: idleMax,
			rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- idle jitter, not security
		}
	}

	var coop []*worker
	var dedicated []*worker
	next := 0
	for _, t := range tasklets {
		st := &scheduledTasklet{t: t}
		if !t.isCooperative() {
			w := newWorker()
			w.tasklets = []*scheduledTasklet{st}
			dedicated = append(dedicated, w)
			continue
		}
		if len(coop) < threads {
			coop = append(coop, newWorker())
		}
		w := coop[next%threads]
		w.tasklets = append(w.tasklets, st)
		next++
	}
	return &scheduler{workers: append(coop, dedicated...)}
}

// run drives every worker until all tasklets are done, one fails or ctx
// is cancelled. The first error cancels the other workers.
func (s *scheduler) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error {
			return w.run(gctx)
		})
	}
	return g.Wait()
}

func (w *worker) run(ctx context.Context) error {
	idleRounds := 0
	for len(w.tasklets) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		progressed := false
		for i := 0; i < len(w.tasklets); {
			st := w.tasklets[i]
			if st.skip > 0 {
				st.skip--
				i++
				continue
			}
			state, err := st.t.Call(ctx)
			if err != nil {
				return err
			}
			if state.IsDone() {
				w.tasklets = append(w.tasklets[:i], w.tasklets[i+1:]...)
				progressed = true
				continue
			}
			if state.IsMadeProgress() {
				progressed = true
				st.backoff = 0
			} else {
				st.backoff = nextSkip(st.backoff)
				st.skip = st.backoff
			}
			i++
		}
		if progressed {
			idleRounds = 0
			continue
		}
		if err := w.idle(ctx, idleRounds); err != nil {
			return err
		}
		idleRounds++
	}
	return nil
}

func nextSkip(prev int) int {
	if prev == 0 {
		return 1
	}
	if prev*2 > maxSkipRounds {
		return maxSkipRounds
	}
	return prev * 2
}

// idle yields for the first rounds without progress, then sleeps with an
// exponentially growing, capped and jittered delay.
func (w *worker) idle(ctx context.Context, rounds int) error {
	if rounds < spinRounds {
		runtime.Gosched()
		return nil
	}
	d := idleBackoff(rounds-spinRounds, w.idleMin, w.idleMax, w.rng)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// idleBackoff returns min(base * 2^attempt, maxDelay) + jitter(0, base).
func idleBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := base * (1 << attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	var jitter time.Duration
	if base > 0 && rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	}
	return delay + jitter
}
