package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
)

type kafkaAPI interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka produces each batch as one record keyed by the batch key.
type Kafka struct {
	client kafkaAPI
	topic  string
}

func NewKafka(client kafkaAPI, topic string) *Kafka {
	if client == nil {
		panic("kafka client is required")
	}
	if topic == "" {
		panic("topic is required")
	}
	return &Kafka{client: client, topic: topic}
}

// NewKafkaClient returns a producer client for brokers.
func NewKafkaClient(brokers []string, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append([]kgo.Opt{kgo.SeedBrokers(brokers...)}, opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return client, nil
}

func (k *Kafka) Write(ctx context.Context, req WriteRequest) error {
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(req.Key),
		Value: req.Data,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte(req.ContentType)},
			{Key: "records", Value: []byte(strconv.Itoa(req.Records))},
		},
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce topic=%q key=%q: %w", k.topic, req.Key, err)
	}
	return nil
}
