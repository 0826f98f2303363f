package cache

import (
	"context"
	"fmt"

	rediscommon "hemis-telemetry/common/redis"
	"hemis-telemetry/internal/config"
	"hemis-telemetry/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DeviceSeenPublisher appends a device_seen event to a Redis stream for
// every accepted reading. The device-health monitor consumes the stream.
type DeviceSeenPublisher struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewDeviceSeenPublisher creates the publisher.
func NewDeviceSeenPublisher(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *DeviceSeenPublisher {
	return &DeviceSeenPublisher{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Publish writes the event and returns the stream entry id.
func (p *DeviceSeenPublisher) Publish(ctx context.Context, r models.Reading) (string, error) {
	stream := p.config.Telemetry.DeviceSeen.Stream
	event := models.DeviceSeen{
		DeviceID:  r.DeviceID,
		PatientID: r.PatientID,
		SeenAt:    r.Timestamp,
	}

	id, err := rediscommon.PublishJSONToStream(ctx, p.redisClient, stream, p.config.Telemetry.DeviceSeen.MaxLen, event)
	if err != nil {
		return "", fmt.Errorf("failed to publish device_seen: %w", err)
	}

	p.logger.Debug("Published device_seen",
		zap.String("device_id", r.DeviceID),
		zap.String("stream", stream),
		zap.String("stream_id", id),
	)
	return id, nil
}
