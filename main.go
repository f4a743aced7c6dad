package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"settlement-service/internal/alert"
	"settlement-service/internal/breaker"
	"settlement-service/internal/config"
	"settlement-service/internal/consumer"
	"settlement-service/internal/gateway"
	"settlement-service/internal/handler"
	"settlement-service/internal/idempotency"
	"settlement-service/internal/money"
	"settlement-service/internal/publisher"
	"settlement-service/internal/repository"
	"settlement-service/internal/sender"
	"settlement-service/internal/service"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.Info("Starting settlement service...")

	cfg, err := config.Load("../.env", ".env")
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if err := repository.Migrate(cfg.MigrationsPath, cfg.MigrationURL()); err != nil {
		log.WithError(err).Fatal("Could not apply migration")
	}
	log.Info("Database migration successfully applied")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Could not connect to database")
	}
	defer db.Close()
	store := repository.NewPostgres(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	var alerter alert.Alerter = alert.LogAlerter{}
	if cfg.SMTP.Enabled() {
		s := sender.NewSMTPEmailSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password, cfg.SMTP.From)
		emailAlerter := alert.NewEmailAlerter(s, cfg.SMTP.AlertRecipients, 64)
		wg.Add(1)
		go func() {
			defer wg.Done()
			emailAlerter.Run(ctx)
		}()
		alerter = alert.Multi{alert.LogAlerter{}, emailAlerter}
		log.WithField("recipients", len(cfg.SMTP.AlertRecipients)).Info("Email alerting enabled")
	}

	rate, err := money.ParseRate(cfg.CommissionRate)
	if err != nil {
		log.WithError(err).Fatal("Invalid commission rate")
	}

	// Interface-typed so a disabled gateway stays a nil interface.
	var (
		orders   service.OrderCreator
		verifier service.SignatureVerifier
		refunder service.Refunder
		status   handler.BreakerStatus
	)
	if cfg.Gateway.Enabled() {
		b := breaker.New(breaker.Config{
			Name:           "razorpay",
			Window:         cfg.Breaker.Window,
			Buckets:        cfg.Breaker.Buckets,
			ErrorThreshold: cfg.Breaker.ErrorThreshold,
			MinRequests:    cfg.Breaker.MinRequests,
			CallTimeout:    cfg.Breaker.CallTimeout,
			ResetTimeout:   cfg.Breaker.ResetTimeout,
			HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
		}, alerter, breaker.WithSuccessClassifier(gateway.IsHealthyResponse))
		client := gateway.NewRazorpayClient(gateway.RazorpayConfig{
			KeyID:     cfg.Gateway.KeyID,
			KeySecret: cfg.Gateway.KeySecret,
			BaseURL:   cfg.Gateway.BaseURL,
			Currency:  cfg.Gateway.Currency,
		}, nil)
		protected := gateway.NewProtected(client, b)
		orders, verifier, refunder, status = protected, protected, protected, protected.Breaker()
		log.WithField("base_url", cfg.Gateway.BaseURL).Info("Payment gateway enabled")
	} else {
		log.Warn("Payment gateway credentials are not set, checkout and refunds are disabled")
	}

	guard := idempotency.NewGuard(store, cfg.IdempotencyTTL)
	checkoutService := service.NewCheckoutService(store, guard, orders, rate, cfg.Gateway.Currency)
	settlementService := service.NewSettlementService(store, verifier, cfg.EscrowHold)
	disputeService := service.NewDisputeService(store, refunder, alerter)
	walletService := service.NewWalletService(store)

	wg.Add(1)
	go func() {
		defer wg.Done()
		walletService.RunEscrowRelease(ctx, cfg.EscrowSweepInterval)
	}()

	var producer *kafka.Producer
	if cfg.Kafka.Enabled() {
		log.WithField("kafka_servers", cfg.Kafka.Servers()).Info("Connecting to Kafka")

		kc, err := kafka.NewConsumer(&kafka.ConfigMap{
			"bootstrap.servers": cfg.Kafka.Servers(),
			"group.id":          cfg.Kafka.GroupID,
			"auto.offset.reset": "earliest",
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		if cfg.Gateway.WebhookSecret == "" {
			log.Warn("RAZORPAY_WEBHOOK_SECRET is not set, gateway callbacks will be rejected")
		}
		callbacks := handler.NewGatewayEventHandler(settlementService, cfg.Gateway.WebhookSecret)
		callbackConsumer, err := consumer.NewKafkaConsumer(kc, cfg.Kafka.CallbackTopic, callbacks)
		if err != nil {
			log.WithError(err).Fatal("Failed to subscribe to topic")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer callbackConsumer.Close()
			if err := callbackConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("Kafka consumer stopped")
			}
		}()

		producer, err = kafka.NewProducer(&kafka.ConfigMap{
			"bootstrap.servers":  cfg.Kafka.Servers(),
			"enable.idempotence": true,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to create Kafka producer")
		}
		go func() {
			for ev := range producer.Events() {
				if e, ok := ev.(kafka.Error); ok {
					log.WithError(e).Error("Kafka producer error")
				}
			}
		}()
		relay := publisher.NewOutboxRelay(store, producer, cfg.Kafka.BuyerTopic, cfg.Kafka.SellerTopic, cfg.Outbox.BatchSize)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx, cfg.Outbox.PollInterval)
		}()
	} else {
		log.Warn("KAFKA_BOOTSTRAP_SERVERS is not set, gateway callbacks and notifications are disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewHTTPHandler(checkoutService, settlementService, disputeService, walletService, status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	wg.Wait()
	if producer != nil {
		if left := producer.Flush(5000); left > 0 {
			log.WithField("pending", left).Warn("Kafka producer closed with undelivered messages")
		}
		producer.Close()
	}
	log.Info("Settlement service stopped")
}
