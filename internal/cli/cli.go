package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/youpolonia/cms-sub031/internal/log"
	internal_storage "github.com/youpolonia/cms-sub031/internal/storage"
	"github.com/youpolonia/cms-sub031/internal/worker"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	scheduleCmd := &cobra.Command{
		Use:   "schedule [content-id] [at] [user-id]",
		Short: "Schedule a content item for publication (CLI)",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			store, svcs := initServices(cmd)
			defer store.Close()
			contentID := parseID(args[0], "content-id")
			at, err := time.Parse(time.RFC3339, args[1])
			if err != nil {
				log.GetLogger().Errorf("Error parsing schedule time: %v", err)
				fmt.Fprintf(os.Stderr, "Error: invalid schedule time, want RFC3339: %v\n", err)
				os.Exit(1)
			}
			userID := parseID(args[2], "user-id")
			scheduleContent(svcs.scheduler, contentID, at, userID)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list [content-ids]",
		Short: "List scheduled events for content items (CLI)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, svcs := initServices(cmd)
			defer store.Close()
			ids := parseIDs(args[0])
			listSchedules(svcs.scheduler, ids)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [event-id] [user-id]",
		Short: "Cancel a scheduled event (CLI)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			store, svcs := initServices(cmd)
			defer store.Close()
			eventID := parseID(args[0], "event-id")
			userID := parseID(args[1], "user-id")
			cancelSchedule(svcs.scheduler, eventID, userID)
		},
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process that leases and executes jobs",
		Run: func(cmd *cobra.Command, args []string) {
			store, svcs := initServices(cmd)
			defer store.Close()
			workerID, err := cmd.Flags().GetString("worker-id")
			if err != nil || workerID == "" {
				workerID = "worker-" + uuid.New().String()
			}
			runWorker(svcs.queue, workerID)
		},
	}
	workerCmd.Flags().String("worker-id", "", "Stable worker identity (defaults to a random one)")

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Reap stale workers and requeue stale job leases once (CLI)",
		Run: func(cmd *cobra.Command, args []string) {
			store, svcs := initServices(cmd)
			defer store.Close()
			reapStale(svcs.queue)
		},
	}

	scalingCmd := &cobra.Command{
		Use:   "scaling",
		Short: "Print the current scaling recommendation (CLI)",
		Run: func(cmd *cobra.Command, args []string) {
			store, svcs := initServices(cmd)
			defer store.Close()
			printScaling(svcs.queue)
		},
	}

	rootCmd.AddCommand(scheduleCmd, listCmd, cancelCmd, workerCmd, reapCmd, scalingCmd)
}

type services struct {
	scheduler *service.ScheduleService
	queue     *service.JobQueue
}

func initServices(cmd *cobra.Command) (*internal_storage.PostgresStore, services) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	store := initStore(dbConnStr)
	logger := log.GetLogger()
	clock := service.SystemClock()

	content := internal_storage.NewContentAdapter(store.DB())
	gate := service.NewPermissionGate(content, clock, logger)
	conflicts := service.NewConflictDetector(store, logger)
	evaluator := service.NewConditionEvaluator(gate, content, conflicts, clock, logger)
	return store, services{
		scheduler: service.NewScheduleService(store, gate, evaluator, conflicts, clock, logger),
		queue:     service.NewJobQueue(store, content, clock, logger),
	}
}

func scheduleContent(svc *service.ScheduleService, contentID int64, at time.Time, userID int64) {
	result, err := svc.ScheduleContent(contentID, at, userID, models.JSONMap{})
	if err != nil {
		log.GetLogger().Errorf("Failed to schedule content: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to schedule content: %v\n", err)
		os.Exit(1)
	}
	if !result.Success {
		fmt.Fprintf(os.Stderr, "Rejected: %s\n", result.Message)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Scheduled content %d for %s (event ID %d)\n", contentID, at.Format(time.RFC3339), result.EventID)
}

func listSchedules(svc *service.ScheduleService, contentIDs []int64) {
	byContent, err := svc.GetBatchStatus(contentIDs)
	if err != nil {
		log.GetLogger().Errorf("Failed to list schedules: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list schedules: %v\n", err)
		os.Exit(1)
	}
	if len(byContent) == 0 {
		fmt.Fprintf(os.Stdout, "No scheduled events found.\n")
		return
	}
	for contentID, events := range byContent {
		fmt.Fprintf(os.Stdout, "Content %d:\n", contentID)
		for _, ev := range events {
			fmt.Fprintf(os.Stdout, "- ID: %d, At: %s, Status: %s\n",
				ev.ID, ev.ScheduledAt.Format(time.RFC3339), ev.Status)
		}
	}
}

func cancelSchedule(svc *service.ScheduleService, eventID, userID int64) {
	cancelled, err := svc.CancelBatch([]int64{eventID}, userID)
	if err != nil {
		log.GetLogger().Errorf("Failed to cancel event: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to cancel event: %v\n", err)
		os.Exit(1)
	}
	if cancelled == 0 {
		fmt.Fprintf(os.Stdout, "Event %d was already terminal, nothing cancelled.\n", eventID)
		return
	}
	fmt.Fprintf(os.Stdout, "Cancelled event %d\n", eventID)
}

func runWorker(queue *service.JobQueue, workerID string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	daemon := worker.NewDaemon(queue, workerID, log.GetLogger())
	if err := daemon.Run(ctx); err != nil && err != context.Canceled {
		log.GetLogger().Errorf("Worker exited: %v", err)
		os.Exit(1)
	}
}

func reapStale(queue *service.JobQueue) {
	reaped, err := queue.ReapStaleWorkers(service.DefaultWorkerTimeout)
	if err != nil {
		log.GetLogger().Errorf("Failed to reap stale workers: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to reap stale workers: %v\n", err)
		os.Exit(1)
	}
	requeued, err := queue.RequeueStaleJobs(service.DefaultWorkerTimeout)
	if err != nil {
		log.GetLogger().Errorf("Failed to requeue stale jobs: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to requeue stale jobs: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Reaped %d worker(s), requeued %d job(s)\n", len(reaped), requeued)
}

func printScaling(queue *service.JobQueue) {
	recs, err := queue.EvaluateScaling()
	if err != nil {
		log.GetLogger().Errorf("Failed to evaluate scaling: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to evaluate scaling: %v\n", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Fprintf(os.Stdout, "No scaling action recommended.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Recommended: %s\n", strings.Join(recs, ", "))
}

func parseID(raw, name string) int64 {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.GetLogger().Errorf("Error parsing %s as number: %v", name, err)
		fmt.Fprintf(os.Stderr, "Error parsing %s as number: %v\n", name, err)
		os.Exit(1)
	}
	return id
}

func parseIDs(raw string) []int64 {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, parseID(strings.TrimSpace(p), "content-id"))
	}
	return ids
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
