package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/whatsapp-engine/internal/api"
	"github.com/ignite/whatsapp-engine/internal/assist"
	"github.com/ignite/whatsapp-engine/internal/awssocial"
	"github.com/ignite/whatsapp-engine/internal/config"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/optout"
	"github.com/ignite/whatsapp-engine/internal/pkg/clock"
	"github.com/ignite/whatsapp-engine/internal/pkg/logger"
	"github.com/ignite/whatsapp-engine/internal/pkg/random"
	"github.com/ignite/whatsapp-engine/internal/quota"
	"github.com/ignite/whatsapp-engine/internal/reports"
	"github.com/ignite/whatsapp-engine/internal/repository/postgres"
	"github.com/ignite/whatsapp-engine/internal/service/campaign"
	"github.com/ignite/whatsapp-engine/internal/service/message"
	"github.com/ignite/whatsapp-engine/internal/service/sending"
	"github.com/ignite/whatsapp-engine/internal/service/tracking"
	"github.com/ignite/whatsapp-engine/internal/wacloud"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// templateCacheSize bounds the parsed-template LRU shared by all API
// endpoints.
const templateCacheSize = 256

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale/stub processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	log.Println("Starting WhatsApp Engine API server...")

	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	if err := checkPortAvailable(cfg.Server.GetHost(), cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("Failed to ping redis at %s: %v", cfg.Redis.Addr, err)
	}
	log.Printf("Connected to redis at %s", cfg.Redis.Addr)

	// Repositories
	campaignRepo := postgres.NewCampaignRepo(db)
	messageRepo := postgres.NewMessageRepo(db)
	logRepo := postgres.NewVariationLogRepo(db)
	planRepo := postgres.NewPlanRepo(db, cfg.Quota.DefaultSendsPerMinute, cfg.Quota.DefaultSendsPerDay)

	processor := humanizer.NewProcessor(random.Crypto(), templateCacheSize)
	tracker := tracking.NewTracker(logRepo)
	engine := reports.NewEngine(tracker)
	ledger := quota.NewLedger(redisClient, planRepo, clock.Real())

	// The API binary flips persisted status only; the worker binary's
	// pollers pick transitions up at their next boundary check.
	campaignSvc := campaign.NewService(campaignRepo, processor, nil)
	messageSvc := message.NewService(messageRepo, processor, clock.Real())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := buildOptOutRegistry(ctx, cfg.OptOut)
	if err != nil {
		log.Fatalf("Failed to initialize opt-out registry: %v", err)
	}

	gw, webhooks, err := buildGateway(ctx, cfg.Gateway)
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}
	wireGatewayEvents(ctx, gw, tracker, registry, cfg.Gateway.AccountID)

	var suggester api.Suggester
	if cfg.Assist.Enabled {
		s, err := assist.New(ctx, cfg.Assist.Region, cfg.Assist.ModelID)
		if err != nil {
			log.Fatalf("Failed to initialize template suggester: %v", err)
		}
		suggester = s
		log.Printf("Template suggester enabled (model %s)", cfg.Assist.ModelID)
	}

	handlers := api.NewHandlers(campaignSvc, messageSvc, processor, engine, ledger, planRepo, suggester)
	server := api.NewServer(handlers, cfg.APIKeys, webhooks)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(cfg.Server.Addr())
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Printf("Received %s, shutting down...", sig)
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	cancel()
	log.Println("Server stopped")
}

// buildGateway constructs the configured provider and its webhook
// endpoints.
func buildGateway(ctx context.Context, cfg config.GatewayConfig) (sending.Gateway, api.WebhookHandlers, error) {
	switch cfg.Provider {
	case "wacloud":
		client := wacloud.NewClient(wacloud.Config{
			BaseURL:       cfg.WACloud.BaseURL,
			APIVersion:    cfg.WACloud.APIVersion,
			AccessToken:   cfg.WACloud.AccessToken,
			PhoneNumberID: cfg.WACloud.PhoneNumberID,
			VerifyToken:   cfg.WACloud.VerifyToken,
			Timeout:       cfg.WACloud.Timeout(),
		})
		log.Printf("Gateway: Meta Cloud API (phone number %s)", cfg.WACloud.PhoneNumberID)
		return client, api.WebhookHandlers{
			Verify: client.VerifyHandler(),
			Events: client.EventsHandler(),
		}, nil
	case "awssocial":
		gw, err := awssocial.New(ctx, awssocial.Config{
			Region:         cfg.AWSSocial.Region,
			AccessKey:      cfg.AWSSocial.AccessKey,
			SecretKey:      cfg.AWSSocial.SecretKey,
			OriginationID:  cfg.AWSSocial.OriginationID,
			MetaAPIVersion: cfg.AWSSocial.MetaAPIVersion,
		})
		if err != nil {
			return nil, api.WebhookHandlers{}, err
		}
		log.Printf("Gateway: AWS End User Messaging Social (origination %s)", cfg.AWSSocial.OriginationID)
		return gw, api.WebhookHandlers{Events: snsEventsHandler(gw)}, nil
	default:
		return nil, api.WebhookHandlers{}, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
}

// snsEventsHandler adapts SNS-delivered provider events to an HTTP
// endpoint.
func snsEventsHandler(gw *awssocial.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if err := gw.HandleEventNotification(body); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func buildOptOutRegistry(ctx context.Context, cfg config.OptOutConfig) (optout.Registry, error) {
	switch cfg.Backend {
	case "dynamodb":
		reg, err := optout.NewDynamo(ctx, cfg.DynamoDBTable, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		log.Printf("Opt-out registry: DynamoDB table %s", cfg.DynamoDBTable)
		return reg, nil
	case "memory":
		log.Println("Opt-out registry: in-memory (opt-outs do not survive restarts)")
		return optout.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown optout backend %q", cfg.Backend)
	}
}

// wireGatewayEvents routes delivery receipts into the variation log and
// inbound stop words into the opt-out registry.
func wireGatewayEvents(ctx context.Context, gw sending.Gateway, tracker *tracking.Tracker, registry optout.Registry, accountID string) {
	gw.Subscribe([]sending.EventKind{sending.EventDelivered, sending.EventRead, sending.EventFailed},
		tracker.EventSink())

	gw.Subscribe([]sending.EventKind{sending.EventInbound}, func(e sending.Event) {
		if !optout.IsStopMessage(e.Text) {
			return
		}
		if accountID == "" {
			log.Printf("[OptOut] Stop message from %s ignored: gateway.account_id not configured", logger.RedactPhone(e.From))
			return
		}
		opCtx, opCancel := context.WithTimeout(ctx, 10*time.Second)
		defer opCancel()
		if err := registry.Add(opCtx, accountID, e.From); err != nil {
			log.Printf("[OptOut] Registering %s: %v", logger.RedactPhone(e.From), err)
			return
		}
		log.Printf("[OptOut] Registered opt-out for %s", logger.RedactPhone(e.From))
	})
}
