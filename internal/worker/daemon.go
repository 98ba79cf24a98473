package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/youpolonia/cms-sub031/pkg/service"
)

const (
	defaultPollInterval      = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	enqueueBatchSize         = 100
)

// Daemon is one worker process: it registers itself, polls for leases,
// executes leased jobs, heartbeats while alive and runs the periodic
// maintenance jobs (due-event enqueueing, stale reaping, metrics
// sampling) on a cron schedule.
type Daemon struct {
	queue             *service.JobQueue
	workerID          string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	workerTimeout     time.Duration
	leaseTimeout      time.Duration
	logger            service.Logger
}

func NewDaemon(queue *service.JobQueue, workerID string, logger service.Logger) *Daemon {
	return &Daemon{
		queue:             queue,
		workerID:          workerID,
		pollInterval:      defaultPollInterval,
		heartbeatInterval: defaultHeartbeatInterval,
		workerTimeout:     service.DefaultWorkerTimeout,
		leaseTimeout:      service.DefaultWorkerTimeout,
		logger:            logger,
	}
}

// Run blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := d.queue.RegisterWorker(d.workerID, nil); err != nil {
		return err
	}

	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", d.maintain); err != nil {
		return err
	}
	if _, err := sched.AddFunc("@every 30s", d.sampleMetrics); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	go d.heartbeatLoop(ctx)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Infof("Worker %s shutting down", d.workerID)
			return ctx.Err()
		case <-ticker.C:
			d.poll()
		}
	}
}

// poll drains the queue: it keeps leasing until no job is due, so a
// burst of due events does not wait one poll interval per job.
func (d *Daemon) poll() {
	for {
		job, err := d.queue.LeaseNextJob(d.workerID)
		if err != nil {
			d.logger.Errorf("Worker %s lease failed: %v", d.workerID, err)
			return
		}
		if job == nil {
			return
		}
		if err := d.queue.RunJob(job); err != nil {
			d.logger.Errorf("Worker %s job %s failed: %v", d.workerID, job.ID, err)
		}
	}
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.queue.SendHeartbeat(d.workerID); err != nil {
				d.logger.Errorf("Worker %s heartbeat failed: %v", d.workerID, err)
			}
		}
	}
}

// maintain runs the periodic queue upkeep: enqueue due events, reap
// stale workers, release stale leases. Worker and lease staleness stay
// two separate checks.
func (d *Daemon) maintain() {
	if _, err := d.queue.EnqueueDueEvents(enqueueBatchSize); err != nil {
		d.logger.Errorf("Enqueue due events failed: %v", err)
	}
	if _, err := d.queue.ReapStaleWorkers(d.workerTimeout); err != nil {
		d.logger.Errorf("Reap stale workers failed: %v", err)
	}
	if _, err := d.queue.RequeueStaleJobs(d.leaseTimeout); err != nil {
		d.logger.Errorf("Requeue stale jobs failed: %v", err)
	}
}

func (d *Daemon) sampleMetrics() {
	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	memPct := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	if err := d.queue.RecordMetric(d.workerID, cpuPct, memPct); err != nil {
		d.logger.Errorf("Record metric failed: %v", err)
	}
}
