package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ProcessingGuarantee selects how snapshots align barriers.
type ProcessingGuarantee int

const (
	// GuaranteeNone disables snapshots.
	GuaranteeNone ProcessingGuarantee = iota
	// GuaranteeAtLeastOnce aligns barriers without blocking queues that
	// already delivered the barrier. Items after the barrier may be
	// processed before the snapshot and replayed after a restore.
	GuaranteeAtLeastOnce
	// GuaranteeExactlyOnce blocks each queue after its barrier until every
	// input delivered it.
	GuaranteeExactlyOnce
)

func (g ProcessingGuarantee) String() string {
	switch g {
	case GuaranteeNone:
		return "none"
	case GuaranteeAtLeastOnce:
		return "at_least_once"
	case GuaranteeExactlyOnce:
		return "exactly_once"
	}
	return fmt.Sprintf("ProcessingGuarantee(%d)", int(g))
}

// ParseGuarantee parses "none", "at_least_once" or "exactly_once"
// (case-insensitive, dashes allowed).
func ParseGuarantee(s string) (ProcessingGuarantee, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "none":
		return GuaranteeNone, nil
	case "at_least_once":
		return GuaranteeAtLeastOnce, nil
	case "exactly_once":
		return GuaranteeExactlyOnce, nil
	}
	return GuaranteeNone, &EngineError{Message: "unknown processing guarantee: " + s, Code: "INVALID_GUARANTEE"}
}

// JobConfig is the graph-level configuration of one job.
type JobConfig struct {
	// Name is a human readable job name used in events.
	Name string

	// JobID identifies the job across restarts. Snapshots are stored under
	// it and a job submitted with the ID of a job that committed a snapshot
	// resumes from that snapshot. Empty means a fresh random ID.
	JobID string

	// Guarantee enables snapshots.
	Guarantee ProcessingGuarantee

	// SnapshotInterval triggers snapshots periodically. Zero disables
	// periodic snapshots; TriggerSnapshot still works.
	SnapshotInterval time.Duration

	// RestoreFrom pins the snapshot to restore from. Zero means the latest
	// committed snapshot of JobID.
	RestoreFrom int64

	// InitialSnapshot names an exported snapshot (see Job.ExportSnapshot)
	// to start from when the job has no committed snapshot of its own. Once
	// the job committed a snapshot, restarts use that one instead.
	InitialSnapshot string

	// Resources lists the files and directories processors may attach.
	Resources []Resource
}

// MemberContext is the per-member view of a vertex handed to its
// ProcessorSupplier.
type MemberContext struct {
	JobID            string
	ExecutionID      string
	JobName          string
	Vertex           string
	Guarantee        ProcessingGuarantee
	LocalParallelism int
	TotalParallelism int
	MemberIndex      int
	MemberCount      int
}

// InstanceContext is the per-instance context handed to Processor.Init.
type InstanceContext struct {
	MemberContext

	LocalIndex  int
	GlobalIndex int

	logger    *slog.Logger
	codec     Codec
	resources *resourceRegistry

	mu   sync.Mutex
	held []string
}

// Logger returns a logger annotated with the job, vertex and instance.
func (ic *InstanceContext) Logger() *slog.Logger {
	return ic.logger
}

// Codec returns the codec snapshot entries are encoded with.
func (ic *InstanceContext) Codec() Codec {
	return ic.codec
}

// SnapshottingEnabled reports whether the job takes snapshots.
func (ic *InstanceContext) SnapshottingEnabled() bool {
	return ic.Guarantee != GuaranteeNone
}

// Resource resolves an attached resource by ID. The resource is opened on
// first use, shared by every instance of the job and released after the
// last instance holding it was closed.
func (ic *InstanceContext) Resource(ctx context.Context, id string) (any, error) {
	if ic.resources == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	v, err := ic.resources.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	ic.mu.Lock()
	ic.held = append(ic.held, id)
	ic.mu.Unlock()
	return v, nil
}

// AttachedFile returns the verified path of an attached file.
func (ic *InstanceContext) AttachedFile(id string) (string, error) {
	return ic.attachedPath(id, ResourceFile)
}

// AttachedDirectory returns the verified path of an attached directory.
func (ic *InstanceContext) AttachedDirectory(id string) (string, error) {
	return ic.attachedPath(id, ResourceDirectory)
}

func (ic *InstanceContext) attachedPath(id string, kind ResourceKind) (string, error) {
	if ic.resources == nil || ic.resources.kindOf(id) != kind {
		return "", fmt.Errorf("%w: %s %q", ErrUnknownResource, kind, id)
	}
	v, err := ic.Resource(context.Background(), id)
	if err != nil {
		return "", err
	}
	path, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("resource %q resolved to %T, not a path", id, v)
	}
	return path, nil
}

// releaseResources drops every resource reference this instance holds.
func (ic *InstanceContext) releaseResources() error {
	ic.mu.Lock()
	held := ic.held
	ic.held = nil
	ic.mu.Unlock()

	var errs []error
	for _, id := range held {
		if err := ic.resources.release(id); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}
