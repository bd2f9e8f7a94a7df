package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"milabs-booking/internal/analytics"
	analytics_api "milabs-booking/internal/analytics/api"
	"milabs-booking/internal/auth"
	"milabs-booking/internal/booking"
	"milabs-booking/internal/booking/booking_api"
	"milabs-booking/internal/config"
	"milabs-booking/internal/database"
	"milabs-booking/internal/kafka"
	"milabs-booking/internal/logger"
	"milabs-booking/internal/notification"
	"milabs-booking/internal/order/db"
	rediswrap "milabs-booking/internal/order/redis"
	"milabs-booking/internal/payment"
	"milabs-booking/internal/ratelimit"
	"milabs-booking/internal/reminder"
	"milabs-booking/internal/sse"
	"milabs-booking/internal/voucher"

	"github.com/joho/godotenv"
)

func buildGateways(cfg *config.Config, log *logger.Logger) (*payment.Registry, *payment.Stripe) {
	var (
		gateways []payment.Gateway
		stripeGW *payment.Stripe
	)
	if cfg.Razorpay.KeyID != "" {
		gateways = append(gateways, payment.NewRazorpay(cfg.Razorpay.KeyID, cfg.Razorpay.KeySecret, cfg.Booking.GatewayTimeout))
		log.Info("PAYMENT", "Razorpay gateway enabled")
	}
	if cfg.Stripe.SecretKey != "" {
		stripeGW = payment.NewStripe(payment.StripeOptions{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
			Timeout:       cfg.Booking.GatewayTimeout,
		})
		gateways = append(gateways, stripeGW)
		log.Info("PAYMENT", "Stripe gateway enabled")
	}
	if len(gateways) == 0 {
		log.Warn("PAYMENT", "No payment gateway configured, bookings cannot be paid")
	}
	return payment.NewRegistry(gateways...), stripeGW
}

func buildVerifier(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) auth.TokenVerifier {
	if cfg.OIDCIssuer != "" {
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
		if err != nil {
			log.Fatal("AUTH", fmt.Sprintf("OIDC setup failed: %v", err))
		}
		log.Info("AUTH", fmt.Sprintf("Verifying bearer tokens against %s", cfg.OIDCIssuer))
		return verifier
	}
	if cfg.JWTSecret == "" {
		log.Fatal("CONFIG", "Either OIDC_ISSUER or AUTH_JWT_SECRET must be set")
	}
	log.Warn("AUTH", "OIDC_ISSUER not set, using HS256 tokens signed with AUTH_JWT_SECRET")
	return auth.NewJWTVerifier(cfg.JWTSecret)
}

func main() {
	log := logger.NewLogger("booking-service")
	defer log.Close()

	log.Info("APP", "Starting MiLabs booking service")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqldb, err := database.OpenPostgres(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	bunDB := database.NewBun(sqldb)
	defer bunDB.Close()
	store := db.New(bunDB)

	redisClient, err := database.OpenRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer redisClient.Close()
	locks := rediswrap.NewRedis(redisClient, cfg.Booking.LockTTL, log)

	var events booking.EventPublisher = kafka.LogPublisher{Logger: log}
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(ctx, cfg.Kafka.Brokers, append(kafka.BookingTopics(), cfg.Kafka.VoucherTopic), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		events = producer
		consumer = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.VoucherTopic, cfg.Kafka.GroupID, log)
		defer consumer.Close()
		log.Info("KAFKA", fmt.Sprintf("Kafka enabled, brokers %v", cfg.Kafka.Brokers))
	} else {
		log.Warn("KAFKA", "Kafka disabled, booking events will only be logged")
	}

	notifier := notification.FromConfig(cfg.Email, log)
	gateways, stripeGW := buildGateways(cfg, log)
	feed := sse.NewBookingFeed()

	deps := booking.Deps{
		Store:    store,
		Gateways: gateways,
		Vouchers: voucher.NewQRGenerator(),
		Notifier: notifier,
		Events:   events,
		Locks:    locks,
		Feed:     feed,
		Logger:   log,
	}
	if stripeGW != nil {
		deps.Webhooks = stripeGW
	}
	service := booking.NewService(deps, booking.Config{
		Currency:      cfg.Booking.Currency,
		NotifyTimeout: cfg.Booking.NotifyTimeout,
		RepairAfter:   cfg.Booking.LockTTL,
	})
	scheduler := reminder.NewScheduler(store, notifier, events, locks, log)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.PaymentBurst, time.Duration(cfg.RateLimit.ExpiryMins)*time.Minute, cfg.RateLimit.PaymentRPS)
	go limiter.Run(ctx)

	if consumer != nil {
		go func() {
			if err := consumer.Run(ctx, service.HandleVoucherScan); err != nil {
				log.Error("KAFKA", fmt.Sprintf("Voucher scan consumer stopped: %v", err))
			}
		}()
	}

	handler := &booking_api.Handler{
		Bookings:  service,
		Reminders: scheduler,
		Health:    store,
		Feed:      feed,
		CronToken: cfg.Auth.CronToken,
		Logger:    log,
	}
	labAnalytics := analytics_api.NewHandler(analytics.NewService(analytics.NewDB(bunDB)), log)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      booking_api.NewRouter(handler, buildVerifier(ctx, cfg.Auth, log), limiter, labAnalytics.RegisterRoutes),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Booking service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	<-ctx.Done()
	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
	}

	// let in-flight confirmation emails and events finish
	service.Wait()
	log.Info("APP", "Booking service shutdown complete")
}
