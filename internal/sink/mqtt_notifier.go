package sink

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"vitals-pipeline/internal/config"
	"vitals-pipeline/internal/models"
)

// MQTTNotifier 包装另一个 AlertSink，
// 在持久化之外把达到最低严重度的告警同步发布到 MQTT 主题（护士站等实时端）。
// MQTT 侧失败只记日志：实时通知是尽力而为，持久化路径才承担 at-least-once。
type MQTTNotifier struct {
	inner    AlertSink
	client   mqtt.Client
	topic    string
	qos      byte
	minLevel models.Severity
	logger   *zap.Logger
}

// NewMQTTNotifier 连接 MQTT broker 并包装底层 sink
func NewMQTTNotifier(cfg *config.MQTTConfig, inner AlertSink, minLevel models.Severity, logger *zap.Logger) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTNotifier{
		inner:    inner,
		client:   client,
		topic:    cfg.Topic,
		qos:      cfg.QoS,
		minLevel: minLevel,
		logger:   logger,
	}, nil
}

// Emit 先走持久化路径，再尽力发布通知
func (n *MQTTNotifier) Emit(ctx context.Context, anomaly *models.Anomaly) error {
	if err := n.inner.Emit(ctx, anomaly); err != nil {
		return err
	}

	if anomaly.Severity < n.minLevel {
		return nil
	}

	payload, err := json.Marshal(anomaly)
	if err != nil {
		n.logger.Warn("Failed to marshal anomaly for MQTT", zap.Error(err))
		return nil
	}

	token := n.client.Publish(n.topic, n.qos, false, payload)
	token.Wait()
	if token.Error() != nil {
		n.logger.Warn("Failed to publish alert notification",
			zap.String("topic", n.topic),
			zap.String("event_id", anomaly.EventID),
			zap.Error(token.Error()),
		)
	}
	return nil
}

// Close 断开 MQTT 并关闭底层 sink
func (n *MQTTNotifier) Close() error {
	n.client.Disconnect(250)
	return n.inner.Close()
}
