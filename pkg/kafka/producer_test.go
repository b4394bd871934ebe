package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishBatchEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "scrape-progress")

	err := p.PublishBatch(context.Background(), []Event{
		{Key: "s1", Value: map[string]int{"page": 1}},
		{Key: "s1", Value: map[string]int{"page": 2}},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "s1", string(w.msgs[0].Key))
	assert.JSONEq(t, `{"page":2}`, string(w.msgs[1].Value))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishBatchErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newProducer(w, "scrape-progress")
	err := p.PublishBatch(context.Background(), []Event{{Key: "s1", Value: 1}})
	assert.ErrorContains(t, err, "broker down")

	p = newProducer(&fakeWriter{}, "scrape-progress")
	err = p.PublishBatch(context.Background(), []Event{{Key: "s1", Value: make(chan int)}})
	assert.ErrorContains(t, err, "marshaling")
}

func TestDecodeJSON(t *testing.T) {
	type event struct {
		SessionID string `json:"session_id"`
	}
	got, err := DecodeJSON[event]([]byte(`{"session_id":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", got.SessionID)

	_, err = DecodeJSON[event]([]byte(`{`))
	assert.Error(t, err)
}
