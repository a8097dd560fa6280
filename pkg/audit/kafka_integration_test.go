package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestAudit_KafkaSink(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redpanda container test in short mode")
	}
	ctx := t.Context()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctr, err := redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v23.3.3")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	broker, err := ctr.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	const topic = "copilot-audit"
	sink, err := NewKafkaSink(ctx, KafkaConfig{Logger: log, Brokers: []string{broker}, Topic: topic})
	require.NoError(t, err)

	events := []Event{
		{TraceID: "t-1", ConversationID: "c-1", Route: "INTENT", Detail: "DATA_QUERY", LatencyMS: 12, TS: time.Now().UTC()},
		{TraceID: "t-1", ConversationID: "c-1", Route: "GENERATE", SQL: "SELECT 1", LatencyMS: 40, TS: time.Now().UTC()},
	}
	for _, ev := range events {
		require.NoError(t, sink.Emit(ctx, ev))
	}
	require.NoError(t, sink.Close())

	// A second sink on the same topic must tolerate the existing topic.
	again, err := NewKafkaSink(ctx, KafkaConfig{Logger: log, Brokers: []string{broker}, Topic: topic})
	require.NoError(t, err)
	require.NoError(t, again.Close())

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var got []Event
	deadline := time.Now().Add(30 * time.Second)
	for len(got) < len(events) && time.Now().Before(deadline) {
		fetches := consumer.PollFetches(ctx)
		require.Empty(t, fetches.Errors())
		fetches.EachRecord(func(r *kgo.Record) {
			assert.Equal(t, "c-1", string(r.Key))
			var ev Event
			require.NoError(t, json.Unmarshal(r.Value, &ev))
			got = append(got, ev)
		})
	}
	require.Len(t, got, 2)
	assert.Equal(t, "INTENT", got[0].Route)
	assert.Equal(t, "SELECT 1", got[1].SQL)
}
