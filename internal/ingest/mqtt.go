// Package ingest subscribes to the facility telemetry feed and hands
// readings to the audit service.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gridsentry/gridsentry-audit/internal/config"
	"github.com/gridsentry/gridsentry-audit/internal/models"
	"github.com/gridsentry/gridsentry-audit/internal/utils"
)

const (
	submitTimeout = 10 * time.Second
	auditTimeout  = 30 * time.Second
)

// ReadingSink receives decoded readings. Satisfied by the audit service.
type ReadingSink interface {
	SubmitReading(ctx context.Context, reading models.TelemetryRecord) (models.TelemetryRecord, error)
	ProcessReading(ctx context.Context, telemetryID string) (models.AuditVerdict, error)
}

// MQTTSource consumes meter readings from the broker. Messages carry a
// TelemetryRecord JSON body; the facility segment of the topic fills in a
// missing facilityId.
type MQTTSource struct {
	cfg     config.MQTTConfig
	sink    ReadingSink
	logger  *slog.Logger
	client  mqtt.Client
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewMQTTSource constructs the subscriber without connecting.
func NewMQTTSource(cfg config.MQTTConfig, sink ReadingSink, logger *slog.Logger) *MQTTSource {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &MQTTSource{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Start connects to the broker and subscribes to the reading topic.
func (s *MQTTSource) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		// Persistent session so QoS 1 messages survive reconnects.
		SetCleanSession(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return utils.NewAppError("ingest.connect", "connect to broker "+s.cfg.BrokerURL, token.Error())
	}

	if token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleMessage); token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return utils.NewAppError("ingest.subscribe", "subscribe to "+s.cfg.Topic, token.Error())
	}

	s.client = client
	s.logger.Info("telemetry subscription active",
		"broker", s.cfg.BrokerURL,
		"topic", s.cfg.Topic,
		"qos", s.cfg.QoS)
	return nil
}

func (s *MQTTSource) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var reading models.TelemetryRecord
	if err := json.Unmarshal(msg.Payload(), &reading); err != nil {
		s.logger.Warn("undecodable telemetry message",
			"topic", msg.Topic(),
			"error", err)
		return
	}
	if reading.FacilityID == "" {
		reading.FacilityID = facilityFromTopic(msg.Topic())
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, submitTimeout)
	defer cancel()

	stored, err := s.sink.SubmitReading(ctx, reading)
	if err != nil {
		s.logger.Error("telemetry message rejected",
			"topic", msg.Topic(),
			"error", err)
		return
	}
	s.logger.Debug("telemetry message accepted",
		"telemetry_id", stored.ID,
		"facility_id", stored.FacilityID,
		"reading_age_min", utils.DurationMinutes(stored.Timestamp, time.Now().UTC()))

	go func() {
		ctx, cancel := context.WithTimeout(s.baseCtx, auditTimeout)
		defer cancel()
		if _, err := s.sink.ProcessReading(ctx, stored.ID); err != nil {
			s.logger.Error("audit of telemetry message failed",
				"telemetry_id", stored.ID,
				"error", err)
		}
	}()
}

// Close unsubscribes and disconnects from the broker, cancelling in-flight
// audits.
func (s *MQTTSource) Close() {
	s.cancel()
	if s.client == nil {
		return
	}
	if token := s.client.Unsubscribe(s.cfg.Topic); token.Wait() && token.Error() != nil {
		s.logger.Warn("unsubscribe failed", "topic", s.cfg.Topic, "error", token.Error())
	}
	s.client.Disconnect(250)
}

// facilityFromTopic extracts the facility segment from a
// facilities/<id>/readings topic.
func facilityFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 && parts[0] == "facilities" {
		return parts[1]
	}
	return ""
}
