package models

import "time"

type WorkerStatus string

const (
	ActiveWorkerStatus  WorkerStatus = "active"
	IdleWorkerStatus    WorkerStatus = "idle"
	WorkingWorkerStatus WorkerStatus = "working"
	StoppedWorkerStatus WorkerStatus = "stopped"
)

// Worker is one registered worker process. Liveness is tracked through
// last_seen; a worker whose heartbeat is older than the staleness timeout
// is reaped to stopped.
type Worker struct {
	ID           string       `json:"id" db:"id"`
	Capabilities JSONMap      `json:"capabilities,omitempty" db:"capabilities"`
	Status       WorkerStatus `json:"status" db:"status"`
	LastSeen     time.Time    `json:"last_seen" db:"last_seen"`
	RegisteredAt time.Time    `json:"registered_at" db:"registered_at"`
}

type JobStatus string

const (
	QueuedJobStatus     JobStatus = "queued"
	ProcessingJobStatus JobStatus = "processing"
	CompletedJobStatus  JobStatus = "completed"
	FailedJobStatus     JobStatus = "failed"
)

// WorkerJob is one unit of leased work. ProcessID, LeasedAt and
// HeartbeatAt together form the lease: at most one live (non-stale)
// lease exists per job, and lease staleness is judged independently of
// the holding worker's own staleness.
type WorkerJob struct {
	ID          string     `json:"id" db:"id"`
	EventID     *int64     `json:"event_id,omitempty" db:"event_id"`
	JobType     string     `json:"job_type" db:"job_type"`
	Payload     JSONMap    `json:"payload,omitempty" db:"payload"`
	Status      JobStatus  `json:"status" db:"status"`
	ProcessID   *string    `json:"process_id,omitempty" db:"process_id"`
	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	LeasedAt    *time.Time `json:"leased_at,omitempty" db:"leased_at"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	Output      string     `json:"output,omitempty" db:"output"`
	ErrorMsg    string     `json:"error,omitempty" db:"error_msg"`
	RunAt       time.Time  `json:"run_at" db:"run_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// WorkerMetric is one resource-usage sample. Scaling evaluation averages
// samples over a rolling five-minute window.
type WorkerMetric struct {
	ID        int64     `json:"id" db:"id"`
	WorkerID  string    `json:"worker_id" db:"worker_id"`
	CPUPct    float64   `json:"cpu_pct" db:"cpu_pct"`
	MemPct    float64   `json:"mem_pct" db:"mem_pct"`
	SampledAt time.Time `json:"sampled_at" db:"sampled_at"`
}
