package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/export"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker consumes export jobs and writes CSV files, keeping file I/O off
// the tap path.
func main() {
	cfg := config.Load()
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.WithError(err).Fatal("db connect failed")
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:exports")
	}

	if err := os.MkdirAll(cfg.ExportDir, 0o755); err != nil {
		log.WithError(err).Fatal("create export dir failed")
	}

	repo := attendance.NewRepository(db.Client)
	jobs := export.NewJobs(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.WithError(err).Fatal("queue consume init failed")
	}

	log.Info("worker started, waiting for export jobs")
	for msg := range messages {
		if msg.Type != "export" {
			continue
		}
		id := string(msg.Body)
		if err := processJob(ctx, repo, jobs, cfg.ExportDir, id); err != nil {
			log.WithError(err).WithField("job", id).Error("export failed")
			_ = jobs.MarkFailed(ctx, id, err.Error())
			continue
		}
		log.WithField("job", id).Info("export complete")
	}
	log.Info("worker stopped")
}

func processJob(ctx context.Context, repo *attendance.Repository, jobs *export.Jobs, dir, id string) error {
	job, err := jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status != export.StatusPending {
		return nil
	}

	date := ""
	if job.Kind == export.KindToday {
		date = time.Now().Format("2006-01-02")
	}
	entries, err := repo.ListLog(ctx, date)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("attendance_%s_%s.csv", job.Kind, time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := export.WriteCSV(f, entries); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return jobs.MarkDone(ctx, id, path)
}
