package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-rag-assistant/internal/chatstore"
	"github.com/tbourn/go-rag-assistant/internal/config"
	"github.com/tbourn/go-rag-assistant/internal/contentstore"
	"github.com/tbourn/go-rag-assistant/internal/events"
	"github.com/tbourn/go-rag-assistant/internal/gateway"
	"github.com/tbourn/go-rag-assistant/internal/http/handlers"
	"github.com/tbourn/go-rag-assistant/internal/pipeline"
	"github.com/tbourn/go-rag-assistant/internal/repo"
	"github.com/tbourn/go-rag-assistant/internal/services"
	"github.com/tbourn/go-rag-assistant/internal/summary"
)

// purgeInterval is how often expired idempotency records are removed.
const purgeInterval = time.Hour

// app holds everything main starts and stops.
type app struct {
	db        *gorm.DB
	publisher events.Publisher
	refresher *summary.Refresher
	tickets   *services.TicketService
	messages  *services.MessageService
	services  handlers.Services
	closers   []io.Closer
}

func build(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}

	db, err := repo.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.db = db

	gw, emb, err := gateway.DefaultRegistry().Build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("model gateway: %w", err)
	}

	store, err := openContentStore(ctx, cfg, db, emb.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("content store: %w", err)
	}
	if cfg.ContentStore.SeedFile != "" {
		n, err := contentstore.SeedFromMarkdown(ctx, store, emb, cfg.ContentStore.SeedFile, contentstore.Passage{
			Corpus:  contentstore.CorpusSales,
			Product: cfg.ContentStore.SeedProduct,
		})
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", cfg.ContentStore.SeedFile, err)
		}
		log.Info().Int("passages", n).Str("file", cfg.ContentStore.SeedFile).Msg("content store seeded")
	}

	locker, err := a.openLocker(ctx, cfg.Lock)
	if err != nil {
		return nil, fmt.Errorf("chat locker: %w", err)
	}
	chats := chatstore.New(db, locker)

	pub, err := events.New(ctx, cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	a.publisher = pub
	a.closers = append(a.closers, pub)

	prompts := pipeline.NewPromptResolver(db, 0)
	deps := pipeline.Deps{
		LLM:                gw,
		Store:              store,
		Embedder:           emb,
		Prompts:            prompts,
		SearchAvailable:    gw.SearchAvailable,
		SalesModel:         cfg.Model.DefaultModel,
		RetrievalWorkers:   cfg.Pipeline.RetrievalWorkers,
		PostProcessWorkers: cfg.Pipeline.PostProcessWorkers,
	}

	a.refresher = summary.New(db, pipeline.NewSummarizer(gw, prompts), pub, cfg.Summary.Window)

	msgs := services.NewMessageService(db, chats, pub)
	msgs.IdempotencyTTL = cfg.IdempotencyTTL
	a.messages = msgs
	a.tickets = services.NewTicketService(db, pipeline.NewTicketFlow(deps), pub, chats, a.refresher)

	a.services = handlers.Services{
		Chats:     services.NewChatService(chats),
		Sales:     services.NewSalesService(msgs, pipeline.NewSalesFlow(deps), cfg.Model.DefaultModel),
		Support:   services.NewSupportService(db, msgs, pipeline.NewSupportFlow(deps), a.refresher, cfg.Model.DefaultModel),
		Tickets:   a.tickets,
		Feedback:  services.NewFeedbackService(chats, pub),
		Config:    services.NewConfigService(db, prompts),
		Summaries: a.refresher,
	}
	return a, nil
}

// openContentStore returns the passage backend named by cfg.ContentStore.Backend.
func openContentStore(ctx context.Context, cfg config.Config, db *gorm.DB, dims int) (contentstore.ReadWriter, error) {
	cs := cfg.ContentStore
	switch cs.Backend {
	case "", "memory":
		return contentstore.NewMemory(contentstore.WithDimensions(dims)), nil
	case "pgvector":
		pdb := db
		if cs.PostgresDSN != "" && cs.PostgresDSN != cfg.DB.DSN {
			var err error
			if pdb, err = repo.OpenPostgres(cs.PostgresDSN); err != nil {
				return nil, err
			}
		}
		s := contentstore.NewPGVector(pdb)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "elasticsearch":
		s, err := contentstore.NewElastic(contentstore.ElasticConfig{
			Addresses:  cs.ESAddresses,
			Username:   cs.ESUsername,
			Password:   cs.ESPassword,
			Index:      cs.ESIndex,
			Dimensions: dims,
		})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureIndex(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown content store backend %q", cs.Backend)
	}
}

// openLocker serializes message id assignment in-process, or across replicas through Redis.
func (a *app) openLocker(ctx context.Context, cfg config.LockConfig) (chatstore.Locker, error) {
	if cfg.Backend != "redis" {
		return chatstore.NewKeyedMutex(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	a.closers = append(a.closers, rdb)
	return chatstore.NewRedisLocker(rdb, cfg.TTL), nil
}

// startWorkers launches the background loops on g. They all stop with ctx.
func (a *app) startWorkers(ctx context.Context, g *errgroup.Group, cfg config.Config) {
	if cfg.Summary.Enabled {
		g.Go(func() error {
			a.refresher.Run(ctx, cfg.Summary.Interval)
			return nil
		})
	}

	g.Go(func() error {
		a.purgeIdempotency(ctx)
		return nil
	})

	if cfg.Events.ConsumeTickets {
		consumer := events.NewTicketConsumer(cfg.Events.Brokers, cfg.Events.TicketTopic, cfg.Events.ConsumerGroup, a.tickets)
		g.Go(func() error {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ticket consumer: %w", err)
			}
			return nil
		})
	}
}

func (a *app) purgeIdempotency(ctx context.Context) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, a.db, time.Now().UTC())
			if err != nil {
				log.Error().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("expired idempotency keys removed")
			}
		}
	}
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
