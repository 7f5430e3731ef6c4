package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/ignite/whatsapp-engine/internal/awssocial"
	"github.com/ignite/whatsapp-engine/internal/config"
	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/feeds"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/notify"
	"github.com/ignite/whatsapp-engine/internal/optout"
	"github.com/ignite/whatsapp-engine/internal/pkg/clock"
	"github.com/ignite/whatsapp-engine/internal/pkg/distlock"
	"github.com/ignite/whatsapp-engine/internal/pkg/random"
	"github.com/ignite/whatsapp-engine/internal/quota"
	"github.com/ignite/whatsapp-engine/internal/reports"
	"github.com/ignite/whatsapp-engine/internal/repository/postgres"
	"github.com/ignite/whatsapp-engine/internal/service/campaign"
	"github.com/ignite/whatsapp-engine/internal/service/sending"
	"github.com/ignite/whatsapp-engine/internal/service/tracking"
	"github.com/ignite/whatsapp-engine/internal/statesync"
	"github.com/ignite/whatsapp-engine/internal/wacloud"
	"github.com/ignite/whatsapp-engine/internal/warehouse"
	"github.com/ignite/whatsapp-engine/internal/worker"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const templateCacheSize = 256

// multiFinisher fans a campaign finish out to every registered hook.
type multiFinisher []worker.Finisher

func (m multiFinisher) CampaignFinished(campaignID string, status domain.CampaignStatus) {
	for _, f := range m {
		f.CampaignFinished(campaignID, status)
	}
}

// archiveFinisher adapts the report archiver to the finish hook. Only
// campaigns that actually ran produce a report worth archiving.
type archiveFinisher struct{ archiver *reports.Archiver }

func (a archiveFinisher) CampaignFinished(campaignID string, status domain.CampaignStatus) {
	if status == domain.CampaignCompleted || status == domain.CampaignFailed {
		a.archiver.ArchiveAsync(campaignID)
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	log.Println("Starting WhatsApp Engine worker...")

	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repositories
	campaignRepo := postgres.NewCampaignRepo(db)
	messageRepo := postgres.NewMessageRepo(db)
	logRepo := postgres.NewVariationLogRepo(db)
	planRepo := postgres.NewPlanRepo(db, cfg.Quota.DefaultSendsPerMinute, cfg.Quota.DefaultSendsPerDay)
	feedStateRepo := postgres.NewFeedStateRepo(db)

	processor := humanizer.NewProcessor(random.Crypto(), templateCacheSize)
	tracker := tracking.NewTracker(logRepo)
	engine := reports.NewEngine(tracker)
	ledger := quota.NewLedger(redisClient, planRepo, clock.Real())

	gw, credential, err := buildGateway(ctx, cfg.Gateway)
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}

	registry, err := buildOptOutRegistry(ctx, cfg.OptOut)
	if err != nil {
		log.Fatalf("Failed to initialize opt-out registry: %v", err)
	}

	// Each worker process owns its leases under a unique identity, so a
	// crashed replica's campaigns become restorable once the TTL lapses.
	owner := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	syncer := statesync.New(campaignRepo, logRepo, owner, clock.Real())
	defer syncer.Close()
	log.Printf("Lease owner: %s", owner)

	finisher := buildFinisher(ctx, cfg, campaignRepo, planRepo, engine)

	deps := worker.RunnerDeps{
		Store:      campaignRepo,
		Sync:       syncer,
		Quota:      ledger,
		Gateway:    gw,
		Recorder:   tracker,
		OptOuts:    registry,
		Processor:  processor,
		Finisher:   finisher,
		Credential: credential,
	}

	manager := worker.NewManager(deps)
	poller := worker.NewCampaignPoller(campaignRepo, syncer, manager, cfg.Scheduler.CampaignPollInterval())
	dispatcher := worker.NewMessageDispatcher(messageRepo, deps, cfg.Scheduler.MessagePollInterval())

	go poller.Run(ctx)
	go dispatcher.Run(ctx)
	go syncer.RunReconciler(ctx)

	if cfg.Warehouse.Enabled {
		wh, err := warehouse.NewClient(warehouse.Config{
			Account:   cfg.Warehouse.Account,
			User:      cfg.Warehouse.User,
			Password:  cfg.Warehouse.Password,
			Database:  cfg.Warehouse.Database,
			Schema:    cfg.Warehouse.Schema,
			Warehouse: cfg.Warehouse.Warehouse,
			Table:     cfg.Warehouse.Table,
		})
		if err != nil {
			log.Fatalf("Failed to connect to Snowflake: %v", err)
		}
		defer wh.Close()
		exporter := warehouse.NewExporter(campaignRepo, engine, wh, clock.Real(), cfg.Warehouse.Interval())
		exporter.SetLock(distlock.NewLock(redisClient, db, "warehouse_export", cfg.Warehouse.Interval()))
		go exporter.Run(ctx)
	}

	if cfg.Feeds.Enabled && len(cfg.Feeds.Feeds) > 0 {
		// Feed campaigns are created through the service so templates are
		// validated and the manager picks them up like any other campaign.
		campaignSvc := campaign.NewService(campaignRepo, processor, manager)
		broadcaster := feeds.NewBroadcaster(buildFeeds(cfg.Feeds), feedStateRepo, campaignSvc, cfg.Feeds.PollInterval())
		broadcaster.SetLock(distlock.NewLock(redisClient, db, "feed_poll", cfg.Feeds.PollInterval()))
		go broadcaster.Run(ctx)
	}

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	manager.Stop()
	log.Println("Worker stopped")
}

// buildGateway constructs the configured provider and returns the sender
// credential the runners stamp on outgoing sends.
func buildGateway(ctx context.Context, cfg config.GatewayConfig) (sending.Gateway, string, error) {
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
		return client, cfg.WACloud.PhoneNumberID, nil
	case "awssocial":
		gw, err := awssocial.New(ctx, awssocial.Config{
			Region:         cfg.AWSSocial.Region,
			AccessKey:      cfg.AWSSocial.AccessKey,
			SecretKey:      cfg.AWSSocial.SecretKey,
			OriginationID:  cfg.AWSSocial.OriginationID,
			MetaAPIVersion: cfg.AWSSocial.MetaAPIVersion,
		})
		if err != nil {
			return nil, "", err
		}
		log.Printf("Gateway: AWS End User Messaging Social (origination %s)", cfg.AWSSocial.OriginationID)
		return gw, cfg.AWSSocial.OriginationID, nil
	default:
		return nil, "", fmt.Errorf("unknown gateway provider %q", cfg.Provider)
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

// buildFinisher assembles the campaign finish hooks: owner notification
// email and S3 report archival, each optional.
func buildFinisher(ctx context.Context, cfg *config.Config, campaigns *postgres.CampaignRepo, plans *postgres.PlanRepo, engine *reports.Engine) worker.Finisher {
	var hooks multiFinisher

	if cfg.Notify.Enabled {
		sender, err := notify.NewSESSender(ctx, notify.SESConfig{
			Region:    cfg.Notify.Region,
			AccessKey: cfg.Notify.AccessKey,
			SecretKey: cfg.Notify.SecretKey,
			From:      cfg.Notify.From,
		})
		if err != nil {
			log.Fatalf("Failed to initialize SES sender: %v", err)
		}
		notifier, err := notify.New(campaigns, plans, engine, sender)
		if err != nil {
			log.Fatalf("Failed to initialize notifier: %v", err)
		}
		hooks = append(hooks, notifier)
		log.Printf("Completion emails enabled (from %s)", cfg.Notify.From)
	}

	if cfg.Archive.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Archive.Region))
		if err != nil {
			log.Fatalf("Failed to load AWS config for archiver: %v", err)
		}
		archiver := reports.NewArchiver(s3.NewFromConfig(awsCfg), engine, cfg.Archive.S3Bucket, cfg.Archive.S3Prefix)
		hooks = append(hooks, archiveFinisher{archiver: archiver})
		log.Printf("Report archival enabled (s3://%s/%s)", cfg.Archive.S3Bucket, cfg.Archive.S3Prefix)
	}

	if len(hooks) == 0 {
		return nil
	}
	return hooks
}

// buildFeeds converts feed configuration into broadcaster subscriptions.
func buildFeeds(cfg config.FeedsConfig) []feeds.Feed {
	out := make([]feeds.Feed, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		recipients := make([]domain.Recipient, 0, len(f.Recipients))
		for _, addr := range f.Recipients {
			recipients = append(recipients, domain.Recipient{Address: addr})
		}
		out = append(out, feeds.Feed{
			AccountID:   f.AccountID,
			URL:         f.URL,
			NamePrefix:  f.NamePrefix,
			TemplateRaw: f.Template,
			Recipients:  recipients,
			Pacing: domain.Pacing{
				MinIntervalMs: f.MinIntervalMs,
				MaxIntervalMs: f.MaxIntervalMs,
			},
		})
	}
	return out
}
