package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/showops/showsync/internal/push"
	"github.com/showops/showsync/internal/remote"
	"github.com/showops/showsync/internal/session"
	"github.com/showops/showsync/internal/showsync"
)

func main() {
	configPath := flag.String("config", envOr("SHOWSYNC_CONFIG", "showsync.yml"), "path to the YAML config file")
	projectID := flag.String("project", os.Getenv("SHOWSYNC_PROJECT"), "production id to open")
	flag.Parse()

	if *projectID == "" {
		log.Fatal("a production id is required (-project or SHOWSYNC_PROJECT)")
	}

	cfg, err := showsync.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if dsn := os.Getenv("SHOWSYNC_SNAPSHOT_DSN"); dsn != "" {
		cfg.SnapshotDSN = dsn
	}

	backend, err := showsync.BuildSnapshotBackendFromDSN(cfg.SnapshotDSN)
	if err != nil {
		log.Fatalf("build snapshot backend: %v", err)
	}

	logger := log.New(os.Stderr, "showsync ", log.LstdFlags)
	store := showsync.NewStore(showsync.StoreOptions{
		Backend:           backend,
		Identity:          cfg.Identity(),
		PersistDebounce:   cfg.Timings.PersistDebounce.Std(),
		JournalFlushDelay: cfg.Timings.JournalFlushDelay.Std(),
		PersistInterval:   cfg.Timings.PersistInterval.Std(),
		Logger:            logger,
	})
	defer store.Close()

	validator, err := push.NewSchemaValidator()
	if err != nil {
		log.Fatalf("compile push schemas: %v", err)
	}
	manager := push.NewManager(push.ManagerOptions{
		URL:         cfg.PushURL,
		Logger:      logger,
		Validator:   validator,
		BackoffBase: cfg.Timings.BackoffBase.Std(),
		BackoffCap:  cfg.Timings.BackoffCap.Std(),
	})
	manager.SubscribeStatus(func(status push.Status) {
		logger.Printf("push channel %s", status.State)
	})

	rooms := push.NewRoomTracker(manager, cfg.User.ID, cfg.User.Name, logger)
	defer rooms.Close()
	rooms.OnChange(func(participants []push.Participant) {
		logger.Printf("%d other participant(s) connected", len(participants))
	})

	client := remote.NewClient(cfg.ServerURL, cfg.Identity(), nil)
	sess, err := session.New(session.Options{
		Store:    store,
		Client:   client,
		Manager:  manager,
		Rooms:    rooms,
		Identity: cfg.Identity(),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("create session: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		err := showsync.WatchConfig(ctx, *configPath, logger, func(updated *showsync.Config) {
			store.SetTimings(
				updated.Timings.PersistDebounce.Std(),
				updated.Timings.JournalFlushDelay.Std(),
				updated.Timings.PersistInterval.Std(),
			)
			logger.Printf("config reloaded; persistence timings applied, restart for connection settings")
		})
		if err != nil && ctx.Err() == nil {
			logger.Printf("config watcher stopped: %v", err)
		}
	}()

	openCtx, cancel := context.WithTimeout(ctx, intEnvDuration("SHOWSYNC_OPEN_TIMEOUT", 30*time.Second))
	project, err := sess.Open(openCtx, *projectID)
	cancel()
	if err != nil {
		log.Fatalf("open project %s: %v", *projectID, err)
	}
	logger.Printf("project %s open at version %d", project.ID, project.Version)

	<-ctx.Done()
	logger.Printf("shutting down")
	if err := store.FlushJournal(); err != nil {
		logger.Printf("final journal flush: %v", err)
	}
	sess.Close()
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func intEnvDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	if value, err := time.ParseDuration(raw); err == nil {
		return value
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
	return fallback
}
