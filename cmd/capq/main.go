package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"vedfolnir-queue/internal/admin"
	"vedfolnir-queue/internal/config"
	"vedfolnir-queue/internal/events"
	"vedfolnir-queue/internal/executor"
	"vedfolnir-queue/internal/logging"
	"vedfolnir-queue/internal/metrics"
	"vedfolnir-queue/internal/models"
	"vedfolnir-queue/internal/notify"
	"vedfolnir-queue/internal/queue"
	"vedfolnir-queue/internal/runner"
	"vedfolnir-queue/internal/store"
	"vedfolnir-queue/internal/web"
)

const Version = "0.3.2"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("capq version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "worker":
		runWorker(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "requeue":
		runRequeue(os.Args[2:])
	case "priority":
		runPriority(os.Args[2:])
	case "pause":
		runPauseResume(os.Args[2:], true)
	case "resume":
		runPauseResume(os.Args[2:], false)
	case "sweep":
		runSweep(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "tasks":
		runTasks(os.Args[2:])
	case "audit":
		runAudit(os.Args[2:])
	case "user":
		runUser(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: capq <worker|serve|enqueue|cancel|requeue|priority|pause|resume|sweep|stats|tasks|audit|user|version> [args]")
}

func envDSN() string {
	return os.Getenv("DATABASE_URL")
}

func openStore(ctx context.Context, dsn string) *store.Postgres {
	if dsn == "" {
		log.Fatal("DSN required (use --dsn or DATABASE_URL)")
	}
	st, err := store.NewPostgres(ctx, dsn)
	if err != nil {
		log.Fatal(err)
	}
	return st
}

func loadWorkerConfig(args []string) (*config.Config, string) {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		log.Fatal(err)
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		log.Fatal(err)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		log.Fatal(err)
	}
	return cfg, configPath
}

func runWorker(args []string) {
	cfg, configPath := loadWorkerConfig(args)

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	fs.String("config", configPath, "Path to capq config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DSN required (use --dsn, DATABASE_URL, or config file)")
	}
	if cfg.ExecMode != "mock" {
		log.Fatalf("unknown exec mode %q", cfg.ExecMode)
	}

	logger := logging.Init(cfg.WorkerID)
	logger.Info("Starting caption worker", "version", Version, "max_concurrent", cfg.MaxConcurrentTasks)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := openStore(ctx, cfg.DatabaseURL)
	defer st.Close()

	broker := events.NewBroker(200)
	manager := queue.NewManager(st, queue.Config{
		MaxConcurrent:     cfg.MaxConcurrentTasks,
		StuckThreshold:    cfg.StuckThreshold,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	}, logger, broker)

	if cfg.HealthAddr != "" {
		server := web.NewServer(st, cfg.HealthAddr, cfg.OpsToken, broker, logger)
		go func() {
			logger.Info("Serving health, metrics and events", "addr", cfg.HealthAddr)
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Ops server error", "error", err)
			}
		}()
		metrics.StartCollector(ctx, st, 5*time.Second, logger)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal(err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		relay := notify.NewRelay(client, cfg.RedisChannel, broker, logger)
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Notification relay stopped", "error", err)
			}
		}()
	}

	if cfg.SweepCron != "" {
		sweeper, err := runner.StartMaintenance(ctx, manager, cfg.SweepCron, logger)
		if err != nil {
			log.Fatal(err)
		}
		defer sweeper.Stop()
	}

	exec := executor.NewMock(cfg.ExecSleep)
	r := runner.New(manager, exec, logger, cfg.PollInterval, cfg.ExecTimeout)
	r.SetDrainTimeout(cfg.ShutdownTimeout)
	if err := r.Start(ctx); err != nil {
		log.Fatal(err)
	}
}

// runServe exposes the ops HTTP surface without claiming tasks. Useful as
// a standalone read endpoint next to a fleet of workers.
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	addr := fs.String("addr", ":8080", "HTTP address for health/metrics")
	token := fs.String("ops-token", os.Getenv("OPS_TOKEN"), "Bearer token for the ops HTTP surface")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}

	logger := logging.Init("capq-serve")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := openStore(ctx, *dsn)
	defer st.Close()

	broker := events.NewBroker(200)
	metrics.StartCollector(ctx, st, 5*time.Second, logger)

	server := web.NewServer(st, *addr, *token, broker, logger)
	logger.Info("Serving health and metrics", "addr", *addr)
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func newCLIManager(st store.Store) *queue.Manager {
	return queue.NewManager(st, queue.Config{}, nil, nil)
}

func runEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	userID := fs.Int64("user", 0, "Owning user ID")
	platformID := fs.Int64("platform", 0, "Platform connection ID")
	priority := fs.String("priority", "", "Task priority (LOW|NORMAL|HIGH|URGENT)")
	maxRetries := fs.Int("max-retries", 0, "Retry budget (0 = default)")
	settings := fs.String("settings", "", "Caption settings as JSON")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *userID == 0 {
		log.Fatal("--user required")
	}

	req := queue.EnqueueRequest{
		UserID:               *userID,
		PlatformConnectionID: *platformID,
		MaxRetries:           *maxRetries,
	}
	if *priority != "" {
		p, err := models.ParsePriority(*priority)
		if err != nil {
			log.Fatal(err)
		}
		req.Priority = p
	}
	if *settings != "" {
		req.Settings = json.RawMessage(*settings)
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	task, err := newCLIManager(st).Enqueue(ctx, req)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Enqueued task %s for user %d (priority %s)\n", task.ID, task.UserID, task.Priority)
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	id := fs.String("id", "", "Task ID to cancel")
	userID := fs.Int64("user", 0, "Owner user ID (owner cancellation)")
	adminID := fs.Int64("admin", 0, "Admin user ID (admin cancellation)")
	reason := fs.String("reason", "", "Cancellation reason")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *id == "" {
		log.Fatal("--id required")
	}
	if (*userID == 0) == (*adminID == 0) {
		log.Fatal("Provide exactly one of --user or --admin")
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	var cancelled bool
	var err error
	if *adminID != 0 {
		svc := admin.NewService(st, newCLIManager(st), nil, events.NoopPublisher{})
		cancelled, err = svc.CancelTask(ctx, *adminID, *id, *reason)
	} else {
		cancelled, err = newCLIManager(st).Cancel(ctx, *id, *userID, *reason)
	}
	if err != nil {
		log.Fatal(err)
	}
	if !cancelled {
		fmt.Printf("Task %s already finished; nothing to cancel\n", *id)
		return
	}
	fmt.Printf("Cancelled task %s\n", *id)
}

func runRequeue(args []string) {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	id := fs.String("id", "", "FAILED task ID to requeue")
	adminID := fs.Int64("admin", 0, "Admin user ID")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *id == "" || *adminID == 0 {
		log.Fatal("--id and --admin required")
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	svc := admin.NewService(st, newCLIManager(st), nil, events.NoopPublisher{})
	newID, err := svc.RequeueFailedTask(ctx, *adminID, *id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Requeued task %s as new task %s\n", *id, newID)
}

func runPriority(args []string) {
	fs := flag.NewFlagSet("priority", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	id := fs.String("id", "", "Task ID")
	adminID := fs.Int64("admin", 0, "Admin user ID")
	priority := fs.String("priority", "", "New priority (LOW|NORMAL|HIGH|URGENT)")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *id == "" || *adminID == 0 || *priority == "" {
		log.Fatal("--id, --admin and --priority required")
	}
	p, err := models.ParsePriority(*priority)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	svc := admin.NewService(st, newCLIManager(st), nil, events.NoopPublisher{})
	if err := svc.SetTaskPriority(ctx, *adminID, *id, p); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Task %s priority set to %s\n", *id, p)
}

func runPauseResume(args []string, pause bool) {
	name := "resume"
	if pause {
		name = "pause"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	adminID := fs.Int64("admin", 0, "Admin user ID")
	userID := fs.Int64("user", 0, "Target user ID")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *adminID == 0 || *userID == 0 {
		log.Fatal("--admin and --user required")
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	svc := admin.NewService(st, newCLIManager(st), nil, events.NoopPublisher{})
	if pause {
		affected, err := svc.PauseUserJobs(ctx, *adminID, *userID)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Paused jobs for user %d (%d active task(s) affected)\n", *userID, affected)
		return
	}
	if err := svc.ResumeUserJobs(ctx, *adminID, *userID); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Resumed jobs for user %d\n", *userID)
}

func runSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	adminID := fs.Int64("admin", 0, "Admin user ID")
	threshold := fs.Duration("threshold", 0, "Stuck age cutoff (0 = default)")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *adminID == 0 {
		log.Fatal("--admin required")
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	svc := admin.NewService(st, newCLIManager(st), nil, events.NoopPublisher{})
	cleared, err := svc.ClearStuckTasks(ctx, *adminID, *threshold)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Cleared %d stuck task(s)\n", cleared)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	adminID := fs.Int64("admin", 0, "Admin user ID")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *adminID == 0 {
		log.Fatal("--admin required")
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	svc := admin.NewService(st, newCLIManager(st), nil, events.NoopPublisher{})
	stats, err := svc.GetQueueStatistics(ctx, *adminID)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Total tasks: %d\n", stats.Total)
	for _, status := range []models.TaskStatus{
		models.StatusQueued, models.StatusRunning, models.StatusCompleted,
		models.StatusFailed, models.StatusCancelled,
	} {
		fmt.Printf("  %s: %d\n", status, stats.ByStatus[status])
	}
	fmt.Println("By priority:")
	for _, p := range []models.TaskPriority{
		models.PriorityUrgent, models.PriorityHigh, models.PriorityNormal, models.PriorityLow,
	} {
		fmt.Printf("  %s: %d\n", p, stats.ByPriority[p])
	}
	fmt.Printf("Admin cancelled: %d\n", stats.AdminCancelled)
	fmt.Printf("Retried: %d\n", stats.Retried)
	fmt.Printf("Avg queued wait: %s\n", stats.AvgQueuedWait.Round(time.Millisecond))
}

func runTasks(args []string) {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	adminID := fs.Int64("admin", 0, "Admin user ID")
	status := fs.String("status", "", "Filter by status")
	limit := fs.Int("limit", 50, "Max tasks to list")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *adminID == 0 {
		log.Fatal("--admin required")
	}

	var statusFilter *models.TaskStatus
	if *status != "" {
		parsed, err := models.ParseStatus(*status)
		if err != nil {
			log.Fatal(err)
		}
		statusFilter = &parsed
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	svc := admin.NewService(st, newCLIManager(st), nil, events.NoopPublisher{})
	tasks, err := svc.ListAllTasks(ctx, *adminID, statusFilter, *limit)
	if err != nil {
		log.Fatal(err)
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return
	}
	fmt.Println("ID\tUser\tStatus\tPriority\tProgress\tRetries\tCreated")
	for _, task := range tasks {
		fmt.Printf("%s\t%d\t%s\t%s\t%d%%\t%d/%d\t%s\n",
			task.ID, task.UserID, task.Status, task.Priority,
			task.ProgressPercent, task.RetryCount, task.MaxRetries,
			task.CreatedAt.Format(time.RFC3339))
	}
}

func runAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	adminID := fs.Int64("admin", 0, "Admin user ID")
	id := fs.String("id", "", "Task ID (empty = all events)")
	limit := fs.Int("limit", 50, "Max events to list")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *adminID == 0 {
		log.Fatal("--admin required")
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	svc := admin.NewService(st, newCLIManager(st), nil, events.NoopPublisher{})
	trail, err := svc.AuditTrail(ctx, *adminID, *id, *limit)
	if err != nil {
		log.Fatal(err)
	}
	if len(trail) == 0 {
		fmt.Println("No audit events.")
		return
	}
	fmt.Println("Time\tAction\tTask\tAdmin\tDetails")
	for _, ev := range trail {
		adminCol := "-"
		if ev.AdminUserID != nil {
			adminCol = fmt.Sprintf("%d", *ev.AdminUserID)
		}
		taskCol := ev.TaskID
		if taskCol == "" {
			taskCol = "-"
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
			ev.CreatedAt.Format(time.RFC3339), ev.Action, taskCol, adminCol, ev.Details)
	}
}

func runUser(args []string) {
	fs := flag.NewFlagSet("user", flag.ExitOnError)
	dsn := fs.String("dsn", envDSN(), "Postgres DSN")
	id := fs.Int64("id", 0, "User ID")
	username := fs.String("username", "", "Username")
	role := fs.String("role", string(models.RoleUser), "Role (user|admin)")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if *id == 0 || *username == "" {
		log.Fatal("--id and --username required")
	}
	if *role != string(models.RoleUser) && *role != string(models.RoleAdmin) {
		log.Fatalf("unknown role %q", *role)
	}

	ctx := context.Background()
	st := openStore(ctx, *dsn)
	defer st.Close()

	user := &models.User{
		ID:       *id,
		Username: *username,
		Role:     models.UserRole(*role),
	}
	if err := st.UpsertUser(ctx, user); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Upserted user %d (%s, role %s)\n", user.ID, user.Username, user.Role)
}
