package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"muse-ai-pipeline/internal/config"
	"muse-ai-pipeline/internal/models"
	"muse-ai-pipeline/internal/pkg/logger"
)

// RedisService publishes per-stage progress events to a capped stream so
// frontends can follow a run live. It carries no workflow state: sessions
// live and die in memory, and the stream is purely observational.
type RedisService struct {
	streams *redis.Client
	logger  *logger.Logger
	config  config.RedisConfig
}

func NewRedisService(cfg config.RedisConfig, log *logger.Logger) (*RedisService, error) {
	streamsOpt, err := redis.ParseURL(cfg.StreamsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis streams URL: %w", err)
	}

	configureRedisOptions(streamsOpt, cfg)

	service := &RedisService{
		streams: redis.NewClient(streamsOpt),
		logger:  log,
		config:  cfg,
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.Info("Redis service initialized",
		"streams_url", cfg.StreamsURL,
		"pool_size", cfg.PoolSize)

	return service, nil
}

func (service *RedisService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := service.streams.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	service.logger.Info("Redis connection tested successfully")
	return nil
}

func configureRedisOptions(opt *redis.Options, cfg config.RedisConfig) {
	opt.PoolSize = cfg.PoolSize
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout
	opt.DialTimeout = cfg.DialTimeout
}

// PublishStageUpdate appends one progress event to the session's update
// stream. The stream is capped so abandoned sessions cannot grow unbounded.
func (service *RedisService) PublishStageUpdate(ctx context.Context, update models.StageUpdate) error {
	streamName := fmt.Sprintf("session:%s:updates", update.SessionID)
	startTime := time.Now()

	values := map[string]interface{}{
		"type":       "stage_update",
		"session_id": update.SessionID,
		"stage":      string(update.Stage),
		"status":     update.Status,
		"progress":   update.Progress,
		"timestamp":  update.Timestamp.Format(time.RFC3339),
	}
	if update.Message != "" {
		values["message"] = update.Message
	}

	messageID, err := service.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: values,
		MaxLen: 1024,
		Approx: true,
	}).Result()
	if err != nil {
		service.logger.LogService("redis", "publish_stage_update", time.Since(startTime), logger.Fields{
			"stream_name": streamName,
			"stage":       update.Stage,
		}, err)
		return fmt.Errorf("publishing stage update failed: %w", err)
	}

	service.logger.WithFields(logger.Fields{
		"stream_name": streamName,
		"message_id":  messageID,
		"stage":       update.Stage,
		"status":      update.Status,
		"progress":    update.Progress,
	}).Debug("stage update published")

	return nil
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	if err := service.streams.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("streams connection unhealthy: %w", err)
	}
	return nil
}

func (service *RedisService) Close() error {
	service.logger.Info("closing Redis service")

	if err := service.streams.Close(); err != nil {
		return fmt.Errorf("closing streams client failed: %w", err)
	}

	service.logger.Info("Redis service closed")
	return nil
}
