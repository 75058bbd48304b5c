// Package events announces completed acquisitions on Kafka as Avro records.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/razvanmarinn/weave/internal/core"
	"github.com/razvanmarinn/weave/pkg/logging"
)

// AcquisitionSchema is the Avro schema of an AcquisitionEvent.
const AcquisitionSchema = `{
	"type": "record",
	"name": "Acquisition",
	"namespace": "weave.events",
	"fields": [
		{"name": "id", "type": "string"},
		{"name": "dno", "type": "string"},
		{"name": "filename", "type": "string"},
		{"name": "url", "type": "string"},
		{"name": "partition", "type": "string", "default": ""},
		{"name": "path", "type": "string"},
		{"name": "bytes", "type": "long"},
		{"name": "compressed", "type": "boolean"},
		{"name": "acquired_at", "type": {"type": "long", "logicalType": "timestamp-millis"}}
	]
}`

// AcquisitionEvent records one file landing in raw storage.
type AcquisitionEvent struct {
	ID         string
	DNO        core.DNO
	Filename   string
	URL        string
	Partition  string
	Path       string
	Bytes      int64
	Compressed bool
	AcquiredAt time.Time
}

// NewAcquisitionEvent stamps a fresh id and the current time.
func NewAcquisitionEvent(dno core.DNO, filename, url string) AcquisitionEvent {
	return AcquisitionEvent{
		ID:         uuid.NewString(),
		DNO:        dno,
		Filename:   filename,
		URL:        url,
		AcquiredAt: time.Now().UTC(),
	}
}

type Codec struct {
	codec *goavro.Codec
}

func NewCodec() (*Codec, error) {
	c, err := goavro.NewCodec(AcquisitionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile acquisition schema: %w", err)
	}
	return &Codec{codec: c}, nil
}

func (c *Codec) Encode(e AcquisitionEvent) ([]byte, error) {
	return c.codec.BinaryFromNative(nil, map[string]any{
		"id":          e.ID,
		"dno":         e.DNO.String(),
		"filename":    e.Filename,
		"url":         e.URL,
		"partition":   e.Partition,
		"path":        e.Path,
		"bytes":       e.Bytes,
		"compressed":  e.Compressed,
		"acquired_at": e.AcquiredAt,
	})
}

func (c *Codec) Decode(b []byte) (AcquisitionEvent, error) {
	native, _, err := c.codec.NativeFromBinary(b)
	if err != nil {
		return AcquisitionEvent{}, fmt.Errorf("decode acquisition event: %w", err)
	}
	m, ok := native.(map[string]any)
	if !ok {
		return AcquisitionEvent{}, fmt.Errorf("decode acquisition event: unexpected %T", native)
	}
	e := AcquisitionEvent{
		ID:       m["id"].(string),
		DNO:      core.DNO(m["dno"].(string)),
		Filename: m["filename"].(string),
		URL:      m["url"].(string),
		Path:     m["path"].(string),
	}
	e.Partition, _ = m["partition"].(string)
	e.Bytes, _ = m["bytes"].(int64)
	e.Compressed, _ = m["compressed"].(bool)
	if ts, ok := m["acquired_at"].(time.Time); ok {
		e.AcquiredAt = ts.UTC()
	}
	return e, nil
}

type Publisher interface {
	Publish(ctx context.Context, e AcquisitionEvent) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, AcquisitionEvent) error { return nil }
func (NopPublisher) Close() error                                    { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	codec  *Codec
	topic  string
	logger *logging.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *logging.Logger) (*KafkaPublisher, error) {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    10,
		BatchTimeout: time.Second,
		RequiredAcks: 1,
	})
	return newKafkaPublisher(w, topic, logger)
}

func newKafkaPublisher(w messageWriter, topic string, logger *logging.Logger) (*KafkaPublisher, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &KafkaPublisher{writer: w, codec: codec, topic: topic, logger: logger}, nil
}

// Publish writes e keyed by filename, so every event for a file lands on the
// same partition.
func (p *KafkaPublisher) Publish(ctx context.Context, e AcquisitionEvent) error {
	value, err := p.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("encode acquisition event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Filename),
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("avro/binary")},
			{Key: "dno", Value: []byte(e.DNO.String())},
		},
	})
	if err != nil {
		p.logger.WithError(err).Error("Failed to publish acquisition event",
			zap.String("topic", p.topic),
			zap.String("filename", e.Filename),
		)
		return fmt.Errorf("publish acquisition event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
