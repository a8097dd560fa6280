package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/aws"
)

type KafkaConfig struct {
	Logger      *slog.Logger
	Brokers     []string
	Topic       string
	AuthIAM     bool
	Partitions  int
	Replication int
}

func (c *KafkaConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.Replication <= 0 {
		c.Replication = 1
	}
	return nil
}

// KafkaSink produces events asynchronously, keyed by conversation id so that
// a conversation's events stay ordered within a partition.
type KafkaSink struct {
	log    *slog.Logger
	client *kgo.Client
	topic  string
}

func NewKafkaSink(ctx context.Context, cfg KafkaConfig) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(500 * time.Millisecond),
	}

	if cfg.AuthIAM {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		opts = append(opts, kgo.SASL(aws.ManagedStreamingIAM(func(ctx context.Context) (aws.Auth, error) {
			creds, err := awsCfg.Credentials.Retrieve(ctx)
			if err != nil {
				return aws.Auth{}, err
			}
			return aws.Auth{
				AccessKey:    creds.AccessKeyID,
				SecretKey:    creds.SecretAccessKey,
				SessionToken: creds.SessionToken,
			}, nil
		})))
		opts = append(opts, kgo.DialTLS())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	s := &KafkaSink{log: cfg.Logger, client: client, topic: cfg.Topic}
	if err := s.ensureTopic(ctx, cfg.Partitions, cfg.Replication); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *KafkaSink) ensureTopic(ctx context.Context, partitions, replication int) error {
	adm := kadm.NewClient(s.client)
	_, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, s.topic)
	if err != nil {
		if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

func (s *KafkaSink) Emit(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(ev.ConversationID),
		Value: value,
	}
	s.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			s.log.Warn("audit: failed to produce event", "route", ev.Route, "trace_id", ev.TraceID, "error", err)
		}
	})
	return nil
}

// Close flushes buffered records before closing the client.
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}
