package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mqttcommon "hemis-telemetry/common/mqtt"
	"hemis-telemetry/internal/config"
	"hemis-telemetry/internal/ingress"
	"hemis-telemetry/internal/models"

	"go.uber.org/zap"
)

// Subscriber the MQTT operations the consumer needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// RecordIngester accepts decoded device records.
type RecordIngester interface {
	IngestRecord(ctx context.Context, rec ingress.Record) (ingress.RecordResult, error)
}

// MQTTConsumer feeds device telemetry published over MQTT into ingress.
type MQTTConsumer struct {
	config     *config.Config
	mqttClient Subscriber
	ingress    RecordIngester
	logger     *zap.Logger

	ctx context.Context
}

// NewMQTTConsumer creates the consumer.
func NewMQTTConsumer(cfg *config.Config, mqttClient Subscriber, in RecordIngester, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		ingress:    in,
		logger:     logger,
		ctx:        context.Background(),
	}
}

// Start subscribes and blocks until ctx is cancelled.
func (c *MQTTConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	topic := c.config.Telemetry.Topic
	if err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}

	c.logger.Info("MQTT consumer started", zap.String("topic", topic))

	<-ctx.Done()
	return nil
}

// Stop unsubscribes from the telemetry topic.
func (c *MQTTConsumer) Stop() error {
	if err := c.mqttClient.Unsubscribe(c.config.Telemetry.Topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage decodes one device message. Devices publish on
// hemis/devices/{device_id}/telemetry; the topic's device id is used when
// the payload omits it.
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	rec, err := ingress.DecodeRecord(withTopicDevice(topic, payload))
	if err != nil {
		c.logger.Warn("Dropping malformed telemetry message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return err
	}

	result, err := c.ingress.IngestRecord(c.ctx, rec)
	if err != nil {
		if errors.Is(err, models.ErrUnknownDevice) {
			c.logger.Warn("Telemetry from unknown device",
				zap.String("device_id", rec.DeviceID),
				zap.String("topic", topic),
			)
		}
		return fmt.Errorf("failed to ingest record from %s: %w", rec.DeviceID, err)
	}

	for _, rej := range result.Rejected {
		c.logger.Warn("Reading rejected",
			zap.String("device_id", rec.DeviceID),
			zap.String("metric", rej.Metric),
			zap.String("reason", rej.Code),
			zap.String("message", rej.Message),
		)
	}
	return nil
}

// topicDeviceID returns the segment before the last one, or "".
func topicDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}

// withTopicDevice injects the topic's device id into a JSON object payload
// that does not carry one.
func withTopicDevice(topic string, payload []byte) []byte {
	deviceID := topicDeviceID(topic)
	if deviceID == "" || strings.Contains(string(payload), `"device_id"`) {
		return payload
	}
	trimmed := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(trimmed, "{") {
		return payload
	}
	body := strings.TrimSpace(trimmed[1:])
	sep := ","
	if strings.HasPrefix(body, "}") {
		sep = ""
	}
	return []byte(fmt.Sprintf(`{"device_id":%q%s%s`, deviceID, sep, body))
}
