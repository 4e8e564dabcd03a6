package event_consumer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"lendbook/apps/lendbook/internal/events"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/settlement"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     []*kafka.Message
	committed []string
	topic     string
	drained   func()
}

func (f *fakeReader) Subscribe(topic string, _ kafka.RebalanceCb) error {
	f.topic = topic
	return nil
}

func (f *fakeReader) ReadMessage(time.Duration) (*kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		f.drained()
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, nil
}

func (f *fakeReader) CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, string(m.Key))
	return nil, nil
}

func (f *fakeReader) Close() error { return nil }

type fakeApplier struct {
	calls map[string]int
	errs  map[string][]error
}

func (f *fakeApplier) Apply(_ context.Context, msg events.Message) (settlement.Outcome, error) {
	f.calls[msg.ID]++
	if queued := f.errs[msg.ID]; len(queued) > 0 {
		f.errs[msg.ID] = queued[1:]
		return "", queued[0]
	}
	return settlement.OutcomeApplied, nil
}

func envelope(t *testing.T, id string) []byte {
	t.Helper()
	data, err := events.Encode(events.Message{ID: id, OccurredAt: time.Now(), Event: &events.BatchCreated{BatchID: "b-" + id}})
	require.NoError(t, err)
	return data
}

func run(t *testing.T, messages []*kafka.Message, applier *fakeApplier) *fakeReader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{queue: messages, drained: cancel}
	consumer := NewEventConsumerWithReader(reader, "lendbook.settlement", applier, zap.NewNop())
	consumer.backoff = time.Millisecond

	require.NoError(t, consumer.Start(ctx))
	assert.Equal(t, "lendbook.settlement", reader.topic)
	return reader
}

func TestEventConsumer_AppliesAndCommits(t *testing.T) {
	applier := &fakeApplier{calls: map[string]int{}, errs: map[string][]error{}}
	reader := run(t, []*kafka.Message{
		{Key: []byte("a"), Value: envelope(t, "a")},
		{Key: []byte("b"), Value: envelope(t, "b")},
	}, applier)

	assert.Equal(t, 1, applier.calls["a"])
	assert.Equal(t, 1, applier.calls["b"])
	assert.Equal(t, []string{"a", "b"}, reader.committed)
}

func TestEventConsumer_DropsInvalidEnvelope(t *testing.T) {
	applier := &fakeApplier{calls: map[string]int{}, errs: map[string][]error{}}
	reader := run(t, []*kafka.Message{
		{Key: []byte("bad"), Value: []byte(`{"id":"x","kind":"nope","payload":{}}`)},
	}, applier)

	assert.Empty(t, applier.calls)
	assert.Equal(t, []string{"bad"}, reader.committed)
}

func TestEventConsumer_RetriesTransientErrors(t *testing.T) {
	applier := &fakeApplier{
		calls: map[string]int{},
		errs: map[string][]error{
			"late":  {fmt.Errorf("%w: loan 7", model.ErrNotFound), fmt.Errorf("%w: loan 7", model.ErrNotFound)},
			"wrong": {fmt.Errorf("%w: batch is completed", model.ErrInvalidStateTransition)},
		},
	}
	reader := run(t, []*kafka.Message{
		{Key: []byte("late"), Value: envelope(t, "late")},
		{Key: []byte("wrong"), Value: envelope(t, "wrong")},
	}, applier)

	assert.Equal(t, 3, applier.calls["late"])
	assert.Equal(t, 1, applier.calls["wrong"])
	assert.Equal(t, []string{"late", "wrong"}, reader.committed)
}

func TestEventConsumer_GivesUpAfterMaxAttempts(t *testing.T) {
	errs := make([]error, 0, maxAttempts+1)
	for i := 0; i <= maxAttempts; i++ {
		errs = append(errs, fmt.Errorf("database is locked"))
	}
	applier := &fakeApplier{calls: map[string]int{}, errs: map[string][]error{"stuck": errs}}
	reader := run(t, []*kafka.Message{{Key: []byte("stuck"), Value: envelope(t, "stuck")}}, applier)

	assert.Equal(t, maxAttempts, applier.calls["stuck"])
	assert.Equal(t, []string{"stuck"}, reader.committed)
}
