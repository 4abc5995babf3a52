package buildopt

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/DrunkOnJava/citygame-hmr/internal/clock"
	"github.com/DrunkOnJava/citygame-hmr/internal/pkgerr"
)

// BuildJobStatus is the sum type of job lifecycle states.
type BuildJobStatus int

const (
	Queued BuildJobStatus = iota
	Running
	Done
	JobFailed
	Cancelled
)

func (s BuildJobStatus) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Done:
		return "done"
	case JobFailed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// BuildJob is a unit of scheduled compilation work.
type BuildJob struct {
	ID               uint64
	ModuleName       string
	SourcePath       string
	OutputPath       string
	Target           TargetKind
	Priority         ModulePriority
	SourceHash       string
	DefinesHash      string
	ToolchainVersion string
	SubmittedNs      int64
	StartedNs        int64
	FinishedNs       int64
	Status           BuildJobStatus
	RetryCount       int

	cancel context.CancelFunc
}

// ReloadRequest is emitted when a build completes successfully.
type ReloadRequest struct {
	ModuleName      string
	ArtifactPath    string
	BuildDurationNs int64
}

// ToolchainInvoker is the host-supplied process-launch callback: given
// a job, compile it and report the outcome.
type ToolchainInvoker func(ctx context.Context, sourcePath, outputPath string, target TargetKind, defines []string) (exitCode int, stderr []byte, wallTimeNs int64, err error)

// completion is a finished job handed from a worker goroutine to the
// completion worker.
type completion struct {
	job     BuildJob
	success bool
	reload  *ReloadRequest
}

// Scheduler runs a bounded worker pool over build jobs: a
// channel-based worker-slot semaphore, an in-flight set that rejects a
// second job for a module already building, per-job timeouts, and a
// completion callback that emits reload requests. Each job waits for a
// free slot in its own goroutine; waiting jobs are not ordered by
// priority, and which of them takes a freed slot is not defined.
// Workers never invoke the
// completion callback themselves: every finished job funnels through
// one dedicated completion goroutine, so downstream consumers — the
// reload ring buffer in particular — see a single producer.
type Scheduler struct {
	workerSlots  chan struct{}
	invoke       ToolchainInvoker
	jobTimeout   time.Duration
	logger       *logrus.Logger
	clock        clock.Clock
	jobIDs       *clock.IDAllocator
	completionCh chan completion

	mu       sync.Mutex
	building map[string]*BuildJob // moduleName -> in-flight job

	onComplete func(job BuildJob, success bool, reload *ReloadRequest)

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// DefaultWorkerPoolSize is min(cpuCores-2, cpuCores) when cpuCores > 8,
// else cpuCores, further capped by memoryGB/2.
func DefaultWorkerPoolSize(cpuCores, memoryGB int) int {
	size := cpuCores
	if cpuCores > 8 {
		size = cpuCores - 2
	}
	if memBound := memoryGB / 2; memBound > 0 && memBound < size {
		size = memBound
	}
	if size < 1 {
		size = 1
	}
	return size
}

// NewScheduler constructs a Scheduler. poolSize <= 0 defaults to
// DefaultWorkerPoolSize(runtime.NumCPU(), 8).
func NewScheduler(poolSize int, jobTimeout time.Duration, invoke ToolchainInvoker, c clock.Clock, logger *logrus.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = DefaultWorkerPoolSize(runtime.NumCPU(), 8)
	}
	if jobTimeout <= 0 {
		jobTimeout = 300 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Scheduler{
		workerSlots:  make(chan struct{}, poolSize),
		invoke:       invoke,
		jobTimeout:   jobTimeout,
		logger:       logger,
		clock:        c,
		jobIDs:       clock.NewIDAllocator(),
		completionCh: make(chan completion, 64),
		building:     make(map[string]*BuildJob),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go s.completionLoop()
	return s
}

// OnComplete registers the callback invoked when a job finishes,
// succeeded or not. It is always called from the completion worker,
// never from a job goroutine.
func (s *Scheduler) OnComplete(fn func(job BuildJob, success bool, reload *ReloadRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

// Close stops the completion worker. In-flight jobs may still run to
// completion but their results are dropped. Idempotent.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// completionLoop drains finished jobs one at a time, keeping the
// completion callback single-threaded.
func (s *Scheduler) completionLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case c := <-s.completionCh:
			s.mu.Lock()
			cb := s.onComplete
			s.mu.Unlock()
			if cb != nil {
				cb(c.job, c.success, c.reload)
			}
		}
	}
}

// StartBuild fails with AlreadyExists if the module is already
// building, else launches a
// worker goroutine that blocks for a free pool slot. sourceHash,
// definesHash and toolchainVersion are carried through to the
// completion callback so a successful build can update the
// content-addressed cache with the hashes that were actually built,
// rather than placeholders.
func (s *Scheduler) StartBuild(m Module, defines []string, sourceHash, definesHash, toolchainVersion string) (BuildJob, error) {
	s.mu.Lock()
	if _, inFlight := s.building[m.Name]; inFlight {
		s.mu.Unlock()
		return BuildJob{}, pkgerr.New(pkgerr.AlreadyExists, fmt.Sprintf("module %q already building", m.Name))
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	job := &BuildJob{
		ID:               s.jobIDs.Next(),
		ModuleName:       m.Name,
		SourcePath:       m.SourceDir,
		OutputPath:       m.OutputDir,
		Target:           m.Target,
		Priority:         m.Priority,
		SourceHash:       sourceHash,
		DefinesHash:      definesHash,
		ToolchainVersion: toolchainVersion,
		SubmittedNs:      s.clock.NowNano(),
		Status:           Queued,
		cancel:           cancel,
	}
	s.building[m.Name] = job
	s.mu.Unlock()

	go s.runJob(ctx, job, defines)
	return *job, nil
}

func (s *Scheduler) runJob(ctx context.Context, job *BuildJob, defines []string) {
	s.workerSlots <- struct{}{}
	defer func() { <-s.workerSlots }()

	s.mu.Lock()
	job.StartedNs = s.clock.NowNano()
	job.Status = Running
	s.mu.Unlock()

	exitCode, stderr, wallTimeNs, err := s.invoke(ctx, job.SourcePath, job.OutputPath, job.Target, defines)

	s.mu.Lock()
	job.FinishedNs = s.clock.NowNano()
	delete(s.building, job.ModuleName)
	success := err == nil && exitCode == 0
	if ctx.Err() == context.DeadlineExceeded {
		job.Status = JobFailed
		success = false
		s.logger.Warnf("buildopt: job %d for module %q exceeded timeout", job.ID, job.ModuleName)
	} else if !success {
		job.Status = JobFailed
		s.logger.Warnf("buildopt: job %d for module %q failed (exit=%d): %s", job.ID, job.ModuleName, exitCode, stderr)
	} else {
		job.Status = Done
	}
	snapshot := *job
	s.mu.Unlock()

	var reload *ReloadRequest
	if success {
		reload = &ReloadRequest{
			ModuleName:      job.ModuleName,
			ArtifactPath:    job.OutputPath,
			BuildDurationNs: wallTimeNs,
		}
	}
	select {
	case s.completionCh <- completion{job: snapshot, success: success, reload: reload}:
	case <-s.stopCh:
	}
}

// IsBuilding reports whether a module currently has an in-flight job.
func (s *Scheduler) IsBuilding(moduleName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.building[moduleName]
	return ok
}

// Cancel cancels an in-flight job for moduleName; calling it twice, or
// on a job that has already finished, is a no-op.
func (s *Scheduler) Cancel(moduleName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.building[moduleName]; ok && job.cancel != nil {
		job.cancel()
	}
}

// ActiveBuilds returns the count of in-flight jobs.
func (s *Scheduler) ActiveBuilds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.building)
}

// RecommendedParallelism caps the number of jobs to run concurrently at
// min(maxParallelJobs, jobsWithSatisfiedDeps).
func RecommendedParallelism(maxParallelJobs, jobsWithSatisfiedDeps int) int {
	if jobsWithSatisfiedDeps < maxParallelJobs {
		return jobsWithSatisfiedDeps
	}
	return maxParallelJobs
}
