// cmd/batch-runner/stores.go
package main

import (
	"context"
	"fmt"
	"time"

	"api-manager/internal/common/aws"
	"api-manager/internal/common/config"
	"api-manager/internal/common/database"
	"api-manager/internal/common/logger"
	"api-manager/internal/notify"
	"api-manager/internal/store"
)

// stores holds the optional collaborators of a run. A nil field means the
// backing service is not configured or could not be reached.
type stores struct {
	audioFiles *store.AudioFiles
	history    *store.RunHistory
	archive    *store.OutcomeArchive
	notifier   *notify.Notifier

	closers []func() error
}

func (s *stores) Close() {
	for _, c := range s.closers {
		c()
	}
}

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err.Error(),
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

// connect opens every configured store. A store that stays unreachable is
// left out of the run instead of failing it.
func connect(ctx context.Context, cfg *config.Config, log logger.Logger) *stores {
	s := &stores{}

	// --- PostgreSQL (audio_files) ---
	if cfg.Database.Postgres.Enabled() {
		var pg *database.PostgresClient
		err := retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 3, time.Second, log, "PostgreSQL connection")
		if err != nil {
			log.Warn("audio file store disabled", map[string]interface{}{"error": err.Error()})
		} else {
			loc, lerr := time.LoadLocation(cfg.Batch.Timezone)
			if lerr != nil {
				log.Warn("unknown timezone, using UTC", map[string]interface{}{"timezone": cfg.Batch.Timezone})
				loc = time.UTC
			}
			s.audioFiles = store.NewAudioFiles(pg, loc)
			s.closers = append(s.closers, pg.Close)
		}
	}

	// --- Redis (run history) ---
	if cfg.Database.Redis.Enabled() {
		var rdb *database.RedisClient
		err := retryWithBackoff(func() error {
			var err error
			rdb, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return rdb.Ping(ctx)
		}, 3, time.Second, log, "Redis connection")
		if err != nil {
			log.Warn("run history disabled", map[string]interface{}{"error": err.Error()})
		} else {
			s.history = store.NewRunHistory(rdb, time.Duration(cfg.Database.Redis.RetainFor)*time.Hour)
			s.closers = append(s.closers, rdb.Close)
		}
	}

	// --- Elasticsearch (outcome archive) ---
	if cfg.Database.Elasticsearch.Enabled() {
		var es *database.ElasticsearchClient
		err := retryWithBackoff(func() error {
			var err error
			es, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return es.Ping(ctx)
		}, 3, time.Second, log, "Elasticsearch connection")
		if err != nil {
			log.Warn("outcome archive disabled", map[string]interface{}{"error": err.Error()})
		} else {
			archive := store.NewOutcomeArchive(es, cfg.Database.Elasticsearch.Index)
			if err := archive.EnsureIndex(ctx); err != nil {
				log.Warn("outcome archive disabled", map[string]interface{}{"error": err.Error()})
			} else {
				s.archive = archive
			}
		}
	}

	// --- Notifications ---
	n := cfg.Notifications
	if n.SNS.Enabled || n.Email.Enabled {
		var publisher notify.Publisher
		var mailer notify.Mailer
		if n.SNS.Enabled {
			if c, err := aws.NewSNSClient(ctx, n.Region); err != nil {
				log.Warn("sns notifications disabled", map[string]interface{}{"error": err.Error()})
			} else {
				publisher = c
			}
		}
		if n.Email.Enabled {
			if c, err := aws.NewSESClient(ctx, n.Region); err != nil {
				log.Warn("email notifications disabled", map[string]interface{}{"error": err.Error()})
			} else {
				mailer = c
			}
		}
		if publisher != nil || mailer != nil {
			s.notifier = notify.New(n, publisher, mailer, log)
		}
	}

	return s
}
