package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/youpolonia/cms-sub031/internal/cli"
	internal_http "github.com/youpolonia/cms-sub031/internal/http"
	"github.com/youpolonia/cms-sub031/internal/log"
	internal_storage "github.com/youpolonia/cms-sub031/internal/storage"
	"github.com/youpolonia/cms-sub031/pkg/service"
)

var rootCmd = &cobra.Command{Use: "schedcore"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduling HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		dbConnStr, _ := cmd.Flags().GetString("db")
		port, _ := cmd.Flags().GetString("port")

		store, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		logger := log.GetLogger()
		clock := service.SystemClock()
		content := internal_storage.NewContentAdapter(store.DB())
		gate := service.NewPermissionGate(content, clock, logger)
		conflicts := service.NewConflictDetector(store, logger)
		evaluator := service.NewConditionEvaluator(gate, content, conflicts, clock, logger)
		scheduler := service.NewScheduleService(store, gate, evaluator, conflicts, clock, logger)
		batches := service.NewBatchOrchestrator(store, scheduler, evaluator, conflicts, logger)
		queue := service.NewJobQueue(store, content, clock, logger)
		webhooks := service.NewWebhookClient(os.Getenv("WEBHOOK_SECRET"), logger)
		recurrences := service.NewRecurrencePlanner(store, gate, conflicts, content, recurrenceTypes(), clock, logger)
		workflows := service.NewWorkflowExecutor(store, evaluator, content, webhooks, scheduler, clock, logger)

		if err := internal_http.StartServer(port, internal_http.Services{
			Scheduler:   scheduler,
			Batches:     batches,
			Queue:       queue,
			Recurrences: recurrences,
			Workflows:   workflows,
		}); err != nil {
			log.GetLogger().Errorf("Server failed: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file loaded: %v", err)
	}

	rootCmd.PersistentFlags().String("db", internal_storage.ConnStrFromEnv(), "Database connection string")
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// recurrenceTypes reads the comma-separated content-type allow list for
// recurring schedules. Empty means every content type may recur.
func recurrenceTypes() []string {
	raw := os.Getenv("RECURRENCE_CONTENT_TYPES")
	if raw == "" {
		return nil
	}
	var types []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

