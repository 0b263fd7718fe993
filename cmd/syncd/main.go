package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	crmadapter "github.com/example/fieldsync/internal/adapters/crm"
	busadapter "github.com/example/fieldsync/internal/adapters/eventbus"
	"github.com/example/fieldsync/internal/adapters/registry"
	"github.com/example/fieldsync/internal/broadcast"
	"github.com/example/fieldsync/internal/capture"
	"github.com/example/fieldsync/internal/config"
	"github.com/example/fieldsync/internal/field"
	"github.com/example/fieldsync/internal/logger"
	"github.com/example/fieldsync/internal/models"
	"github.com/example/fieldsync/internal/orchestrator"
	crmprovider "github.com/example/fieldsync/internal/providers/crm"
	busprovider "github.com/example/fieldsync/internal/providers/eventbus"
	"github.com/example/fieldsync/internal/queue"
	"github.com/example/fieldsync/internal/resolver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "syncd").Logger()

	store, err := queue.Open(cfg.Queue.Path, queue.Options{
		LeaseTimeout:   cfg.Queue.LeaseTimeout,
		DeadLetterCap:  cfg.Queue.DeadLetterMax,
		MaxPending:     cfg.Queue.MaxPending,
		StorageWarnPct: cfg.Queue.StorageWarnPct,
		Logger:         log,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Queue.Path).Msg("failed to open sync queue")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close sync queue")
		}
	}()

	definitions, err := models.NewDefinitionRegistry(1, models.DefaultDefinitions(cfg.Fields.VenueCapacity, cfg.Fields.MinLeadTime))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build field definitions")
	}

	adapters := registry.New(log)

	if cfg.CRM.Enabled {
		var provider crmprovider.Provider
		if strings.EqualFold(cfg.CRM.Backend, "http") {
			provider, err = crmprovider.NewHTTPProvider(crmprovider.HTTPConfig{
				BaseURL: cfg.CRM.BaseURL,
				APIKey:  cfg.CRM.APIKey,
				Timeout: cfg.CRM.Timeout,
			}, log.With().Str("component", "crm-provider").Logger())
			if err != nil {
				log.Fatal().Err(err).Msg("failed to initialise crm http provider")
			}
		} else {
			provider = crmprovider.NewMockProvider(log.With().Str("component", "crm-provider").Logger())
		}

		adapter, err := crmadapter.NewAdapter(provider, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise crm adapter")
		}
		if err := adapters.Register(adapter); err != nil {
			log.Fatal().Err(err).Msg("failed to register crm adapter")
		}
	}

	if cfg.EventBus.Enabled {
		producer, err := busprovider.NewKafkaProducer(cfg.EventBus.Brokers, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise kafka producer")
		}
		defer func() {
			if err := producer.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()

		adapter, err := busadapter.NewAdapter(producer, cfg.EventBus.Topic, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise eventbus adapter")
		}
		if err := adapters.Register(adapter); err != nil {
			log.Fatal().Err(err).Msg("failed to register eventbus adapter")
		}
	}

	var broadcaster broadcast.Publisher = broadcast.NopPublisher{}
	var redisBroadcaster *broadcast.RedisBroadcaster
	if cfg.Broadcast.RedisEnabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Broadcast.RedisAddr})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close redis client")
			}
		}()
		rb, err := broadcast.NewRedisBroadcaster(rdb, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialise redis broadcaster")
		}
		broadcaster = rb
		redisBroadcaster = rb
	}

	recorder, err := capture.NewRecorder(cfg.App.SessionID, capture.Dependencies{
		Store:       store,
		Targets:     adapters,
		Definitions: definitions,
		Broadcaster: broadcaster,
		Logger:      log,
		Now:         time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise change recorder")
	}

	// Remote changes in the session's groups feed the logical clock, so
	// local edits after a remote one are ordered after it.
	if redisBroadcaster != nil {
		for _, group := range cfg.Broadcast.Groups {
			events, err := redisBroadcaster.Subscribe(ctx, group)
			if err != nil {
				log.Fatal().Err(err).Str("group_id", group).Msg("failed to subscribe to group channel")
			}
			go func(group string) {
				for event := range events {
					if event.OriginSessionID == recorder.SessionID() {
						continue
					}
					recorder.ObserveRemote(event)
				}
			}(group)
		}
	}

	engine, err := orchestrator.New(orchestrator.Config{
		BatchSize:         cfg.Sync.BatchSize,
		PollInterval:      cfg.Sync.PollInterval,
		MaxAttempts:       cfg.Sync.MaxAttempts,
		BaseBackoff:       cfg.Sync.BaseBackoff,
		MaxBackoff:        cfg.Sync.MaxBackoff,
		AdapterTimeout:    cfg.Sync.AdapterTimeout,
		WorkerConcurrency: cfg.Sync.WorkerConcurrency,
	}, orchestrator.Dependencies{
		Queue:       store,
		Adapters:    adapters,
		Definitions: definitions,
		Validation:  field.Context{},
		ConflictHandler: func(c resolver.Conflict) {
			log.Warn().
				Str("event_id", c.Event.ID).
				Str("record_id", c.Event.RecordID).
				Str("field_key", c.Event.FieldKey).
				Int64("local_ts", c.Event.LamportTS).
				Int64("remote_ts", c.Remote.LamportTS).
				Msg("concurrent edit requires manual resolution")
		},
		Logger: log,
		Now:    time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise sync orchestrator")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Str("session_id", cfg.App.SessionID).
		Str("queue_path", cfg.Queue.Path).
		Strs("adapters", adapters.IDs()).
		Msg("sync daemon started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("orchestrator terminated with error")
		}
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("syncd init failed")
}
