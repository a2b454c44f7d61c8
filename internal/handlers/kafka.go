package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"layerlog/internal/metrics"
	"layerlog/internal/render"
	delerrors "layerlog/pkg/errors"
	"layerlog/pkg/types"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaHandler publishes records to one Kafka topic through a sync
// producer. The record layer is the message key, so one layer's records
// land on one partition in order.
type KafkaHandler struct {
	name     string
	topic    string
	failFast bool
	producer sarama.SyncProducer
	renderer types.Renderer
	logger   *logrus.Logger
	health   *healthTracker
}

// NewKafkaHandler connects the producer. Broker or auth misconfiguration
// surfaces here, not at write time.
func NewKafkaHandler(cfg types.KafkaHandlerConfig, unhealthyThreshold int, logger *logrus.Logger) (*KafkaHandler, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka handler: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka handler: no topic configured")
	}
	name := cfg.Name
	if name == "" {
		name = "kafka:" + cfg.Topic
	}

	saramaConfig, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka handler %s: %w", name, err)
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("kafka handler %s: create producer: %w", name, err)
	}

	logger.WithFields(logrus.Fields{
		"handler":     name,
		"brokers":     cfg.Brokers,
		"topic":       cfg.Topic,
		"compression": cfg.Compression,
	}).Info("Kafka handler initialized")

	return &KafkaHandler{
		name:     name,
		topic:    cfg.Topic,
		failFast: cfg.FailFast,
		producer: producer,
		renderer: render.JSONRenderer{},
		logger:   logger,
		health:   newHealthTracker(unhealthyThreshold),
	}, nil
}

func buildSaramaConfig(cfg types.KafkaHandlerConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	switch strings.ToLower(cfg.Compression) {
	case "", "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
	}

	if cfg.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}
	if cfg.Timeout > 0 {
		sc.Net.DialTimeout = cfg.Timeout
		sc.Net.ReadTimeout = cfg.Timeout
		sc.Net.WriteTimeout = cfg.Timeout
		sc.Producer.Timeout = cfg.Timeout
	}

	if cfg.Auth.Enabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.Auth.Username
		sc.Net.SASL.Password = cfg.Auth.Password

		switch strings.ToUpper(cfg.Auth.Mechanism) {
		case "", "PLAIN":
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: scramSHA256}
			}
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: scramSHA512}
			}
		default:
			return nil, fmt.Errorf("unknown SASL mechanism %q", cfg.Auth.Mechanism)
		}
	}

	return sc, nil
}

func (h *KafkaHandler) Name() string   { return h.name }
func (h *KafkaHandler) FailFast() bool { return h.failFast }
func (h *KafkaHandler) Healthy() bool  { return h.health.healthy() }

func (h *KafkaHandler) Close() error {
	return h.producer.Close()
}

// Write publishes the batch in one producer call and maps broker-side
// per-message errors back to item failures.
func (h *KafkaHandler) Write(ctx context.Context, batch *types.Batch) types.HandlerOutcome {
	out := types.HandlerOutcome{Handler: h.name}

	msgs := make([]*sarama.ProducerMessage, 0, len(batch.Items))
	for _, item := range batch.Items {
		if err := ctx.Err(); err != nil {
			h.health.fail()
			return failAll(h.name, batch, err.Error())
		}
		msg, err := h.message(item)
		if err != nil {
			out.Failed = append(out.Failed, types.ItemFailure{Seq: item.Record.Seq, Reason: err.Error()})
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return out
	}

	err := h.producer.SendMessages(msgs)
	if err == nil {
		h.health.ok()
		out.Succeeded = len(msgs)
		return out
	}

	h.health.fail()
	metrics.RecordError("kafka_handler", delerrors.ClassOf(err).String())

	var perMessage sarama.ProducerErrors
	if errors.As(err, &perMessage) {
		failed := make(map[uint64]string, len(perMessage))
		for _, pe := range perMessage {
			if seq, ok := pe.Msg.Metadata.(uint64); ok {
				failed[seq] = pe.Err.Error()
			}
		}
		for _, msg := range msgs {
			seq, _ := msg.Metadata.(uint64)
			if reason, bad := failed[seq]; bad {
				out.Failed = append(out.Failed, types.ItemFailure{Seq: seq, Reason: reason})
			} else {
				out.Succeeded++
			}
		}
		return out
	}

	for _, msg := range msgs {
		seq, _ := msg.Metadata.(uint64)
		out.Failed = append(out.Failed, types.ItemFailure{Seq: seq, Reason: err.Error()})
	}
	return out
}

// WriteDirect publishes one record inline.
func (h *KafkaHandler) WriteDirect(ctx context.Context, item types.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := h.message(item)
	if err != nil {
		return delerrors.Permanent(h.name, "render", err)
	}
	if _, _, err := h.producer.SendMessage(msg); err != nil {
		h.health.fail()
		return delerrors.Transient(h.name, "produce", err)
	}
	h.health.ok()
	return nil
}

func (h *KafkaHandler) message(item types.QueueItem) (*sarama.ProducerMessage, error) {
	payload, err := h.renderer.Render(item.Record)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic:     h.topic,
		Key:       sarama.StringEncoder(item.Record.Layer),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: item.Record.CreatedAt,
		Metadata:  item.Record.Seq,
	}, nil
}
