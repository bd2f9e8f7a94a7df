// Command reminder-sweep runs one reminder sweep and exits. It is meant to be
// scheduled by cron or a Kubernetes CronJob.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"milabs-booking/internal/config"
	"milabs-booking/internal/database"
	"milabs-booking/internal/kafka"
	"milabs-booking/internal/logger"
	"milabs-booking/internal/notification"
	"milabs-booking/internal/order/db"
	rediswrap "milabs-booking/internal/order/redis"
	"milabs-booking/internal/reminder"

	"github.com/joho/godotenv"
)

func main() {
	log := logger.New(os.Stdout)

	if err := godotenv.Load(); err != nil {
		log.Debug("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	sqldb, err := database.OpenPostgres(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	bunDB := database.NewBun(sqldb)
	defer bunDB.Close()

	var locks reminder.SweepLocker
	if redisClient, err := database.OpenRedis(ctx, cfg.Redis, log); err != nil {
		log.Warn("REDIS", fmt.Sprintf("Sweep lock unavailable, relying on the database guard: %v", err))
	} else {
		defer redisClient.Close()
		locks = rediswrap.NewRedis(redisClient, 10*time.Minute, log)
	}

	var events reminder.EventPublisher = kafka.LogPublisher{Logger: log}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		events = producer
	}

	scheduler := reminder.NewScheduler(db.New(bunDB), notification.FromConfig(cfg.Email, log), events, locks, log)
	fired, err := scheduler.RunReminderSweep(ctx)
	if err != nil {
		log.Error("REMINDER", fmt.Sprintf("Sweep failed: %v", err))
		os.Exit(1)
	}
	for _, f := range fired {
		log.LogReminder(f.OrderID, f.Threshold, "fired")
	}
}
