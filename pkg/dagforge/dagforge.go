package dagforge

import (
	"context"
	"database/sql"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dagforge/dagforge/internal/config"
	"github.com/dagforge/dagforge/internal/engine"
	"github.com/dagforge/dagforge/internal/migrations"
	"github.com/dagforge/dagforge/internal/repository"
	"github.com/dagforge/dagforge/pkg/dagforge/core"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lmittmann/tint"

	_ "github.com/go-sql-driver/mysql"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// App is the wired engine process. Register executors on Registry before
// calling Start.
type App struct {
	DB          *sql.DB
	Registry    *core.ExecutorRegistry
	Definitions *engine.WorkflowDefinitionService
	Instances   *engine.WorkflowInstanceService
	Execution   *engine.WorkflowExecutionService
	Scheduler   *engine.SchedulerService
	Assignments *engine.AssignmentService

	manager *engine.EngineManager
}

// New opens the configured database, runs migrations, and wires every
// service for one engine process.
func New() (*App, error) {

	databaseType := config.GetSystemSettingString(config.DATABASE_TYPE)
	if databaseType == "" || (databaseType != config.DATABASE_TYPE_POSTGRES && databaseType != config.DATABASE_TYPE_MYSQL && databaseType != config.DATABASE_TYPE_SQLLITE) {
		panic("DAGF_DATABASE_TYPE must be set to one of the following values: POSTGRES, MYSQL, SQLLITE")
	}

	var db *sql.DB
	if databaseType == config.DATABASE_TYPE_POSTGRES {
		db = setupPostgresDatabase()
	}
	if databaseType == config.DATABASE_TYPE_SQLLITE {
		db = setupSqlLiteDatabase()
	}
	if databaseType == config.DATABASE_TYPE_MYSQL {
		db = setupMysqlDatabase()
	}

	clock := core.NewRealClock()
	registry := core.NewExecutorRegistry()

	definitionRepo := repository.NewWorkflowDefinitionRepository(db, clock)
	instanceRepo := repository.NewWorkflowInstanceRepository(db, clock)
	nodeRepo := repository.NewNodeInstanceRepository(db, clock)
	lockRepo := repository.NewExecutionLockRepository(db, clock)
	assignmentRepo := repository.NewWorkflowAssignmentRepository(db, clock)
	nodeAssignmentRepo := repository.NewWorkflowNodeAssignmentRepository(db, clock)
	engineRepo := repository.NewEngineRepository(db, clock)
	scheduleRepo := repository.NewScheduleRepository(db, clock)
	scheduleExecutionRepo := repository.NewScheduleExecutionRepository(db, clock)

	lockTTL, _ := time.ParseDuration(config.GetSystemSettingString(config.ENGINE_LOCK_TTL))

	definitionSvc := engine.NewWorkflowDefinitionService(definitionRepo, clock)
	instanceSvc := engine.NewWorkflowInstanceService(instanceRepo, nodeRepo, clock)
	lockSvc := engine.NewExecutionLockService(lockRepo)
	assignmentSvc := engine.NewAssignmentService(assignmentRepo, nodeAssignmentRepo, engineRepo, clock)
	nodeSvc := engine.NewNodeExecutionService(registry, nodeRepo, instanceSvc, clock, nil)

	opts := engine.EngineOptions{
		Name:         config.GetSystemSettingString(config.ENGINE_NAME),
		Capabilities: splitCapabilities(config.GetSystemSettingString(config.ENGINE_CAPABILITIES)),
		WorkerCount:  config.GetSystemSettingInteger(config.ENGINE_WORKER_COUNT),
		QueueSize:    config.GetSystemSettingInteger(config.ENGINE_QUEUE_SIZE),
		BatchSize:    config.GetSystemSettingInteger(config.ENGINE_BATCH_SIZE),
		LockTTL:      lockTTL,
	}
	opts.PollInterval, _ = time.ParseDuration(config.GetSystemSettingString(config.ENGINE_POLL_INTERVAL))
	opts.HeartbeatInterval, _ = time.ParseDuration(config.GetSystemSettingString(config.ENGINE_HEARTBEAT_INTERVAL))
	opts.RecoveryInterval, _ = time.ParseDuration(config.GetSystemSettingString(config.ENGINE_RECOVERY_INTERVAL))

	manager := engine.NewEngineManager(opts, nil, instanceRepo, lockSvc, assignmentSvc, engineRepo, clock, "")

	executionSvc := engine.NewWorkflowExecutionService(
		definitionRepo, instanceRepo, definitionSvc, instanceSvc, nodeSvc,
		lockSvc, assignmentSvc, clock, manager.EngineID(), lockTTL)
	manager.SetExecution(executionSvc)

	schedulerPoll, _ := time.ParseDuration(config.GetSystemSettingString(config.SCHEDULER_POLL_INTERVAL))
	schedulerSvc := engine.NewSchedulerService(
		scheduleRepo, scheduleExecutionRepo, executionSvc, registry, clock,
		manager.EngineID(), schedulerPoll, config.GetSystemSettingInteger(config.SCHEDULER_BATCH_SIZE))

	return &App{
		DB:          db,
		Registry:    registry,
		Definitions: definitionSvc,
		Instances:   instanceSvc,
		Execution:   executionSvc,
		Scheduler:   schedulerSvc,
		Assignments: assignmentSvc,
		manager:     manager,
	}, nil
}

// Start runs the engine poll loop and the scheduler. It blocks until the
// context is cancelled.
func (a *App) Start(ctx context.Context) error {
	go a.Scheduler.Start(ctx)
	a.manager.Start(ctx)
	return nil
}

// Wakeup nudges the engine to poll immediately, useful right after a
// StartWorkflow call.
func (a *App) Wakeup() { a.manager.Wakeup() }

func (a *App) EngineID() string { return a.manager.EngineID() }

func (a *App) Close() error { return a.DB.Close() }

func splitCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	caps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			caps = append(caps, p)
		}
	}
	return caps
}

func setupPostgresDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("DAGF_DATABASE_URL must be set when using the POSTGRES database type")
	}
	slog.Info("Using Postgres database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("postgres", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening Postgres database")
	dbPostgres, err := sql.Open("postgres", dbURL)
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbPostgres
}

func setupSqlLiteDatabase() *sql.DB {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
	if fileName == "" {
		panic("DAGF_DATABASE_SQLLITE_FILE_NAME must be set")
	}
	dbURL := "sqlite3://" + fileName
	slog.Info("Using SQLite database", "file", fileName)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("sqllite3", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening SQLite database")
	dbSqlLite, err := sql.Open("sqlite3", fileName)
	if err != nil {
		log.Fatalf("Failed to open SQLite DB: %v", err)
	}
	if err := dbSqlLite.Ping(); err != nil {
		log.Fatalf("Failed to ping SQLite DB: %v", err)
	}
	return dbSqlLite
}

func setupMysqlDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("DAGF_DATABASE_URL must be set when using the MYSQL database type")
	}
	if !strings.Contains(dbURL, "parseTime=true") {
		panic("DAGF_DATABASE_URL must contain 'parseTime=true' for MySQL")
	}
	if !strings.HasPrefix(dbURL, "mysql://") {
		panic("DAGF_DATABASE_URL must start with 'mysql://' for MySQL")
	}

	slog.Info("Using MySQL database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("mysql", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening MySQL database")
	dbMysql, err := sql.Open("mysql", strings.Replace(dbURL, "mysql://", "", 1))
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbMysql
}

func runMigrationsFromEmbed(migrationsPath string, dbURL string) error {
	sub, err := fs.Sub(migrations.FS, migrationsPath)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func SetupLogger() {
	w := os.Stderr
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
