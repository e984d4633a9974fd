package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	errs   []error
	msgs   []kafka.Message
	calls  int
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaShipper_KeysByResource(t *testing.T) {
	w := &fakeWriter{}
	ks := newKafkaShipper(w, time.Second)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := &LogEntry{
		Timestamp:  ts,
		Action:     "ledger.JobFunded",
		Actor:      "0xconsumer",
		ResourceID: "0xjob",
	}
	require.NoError(t, ks.Ship(context.Background(), entry))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "0xjob", string(msg.Key))
	assert.Equal(t, ts, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "action", msg.Headers[0].Key)
	assert.Equal(t, "ledger.JobFunded", string(msg.Headers[0].Value))

	var decoded LogEntry
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, entry.Action, decoded.Action)
	assert.Equal(t, entry.Actor, decoded.Actor)
}

func TestKafkaShipper_KeyFallsBackToActor(t *testing.T) {
	w := &fakeWriter{}
	ks := newKafkaShipper(w, 0)

	require.NoError(t, ks.Ship(context.Background(), &LogEntry{Action: "POST /api/v1/agents", Actor: "0xowner"}))
	assert.Equal(t, "0xowner", string(w.msgs[0].Key))
}

func TestKafkaShipper_RetriesLeaderChange(t *testing.T) {
	w := &fakeWriter{errs: []error{kafka.NotLeaderForPartition, nil}}
	ks := newKafkaShipper(w, time.Second)

	require.NoError(t, ks.Ship(context.Background(), &LogEntry{Action: "retry"}))
	assert.Equal(t, 2, w.calls)
	assert.Len(t, w.msgs, 1)
}

func TestKafkaShipper_NoRetryOnOtherErrors(t *testing.T) {
	boom := errors.New("broker unreachable")
	w := &fakeWriter{errs: []error{boom, nil}}
	ks := newKafkaShipper(w, time.Second)

	err := ks.Ship(context.Background(), &LogEntry{Action: "fail"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, w.calls)
}

func TestKafkaShipper_Close(t *testing.T) {
	w := &fakeWriter{}
	ks := newKafkaShipper(w, time.Second)
	require.NoError(t, ks.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaShipper_RequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafkaShipper(&KafkaConfig{Topic: "audit"})
	assert.Error(t, err)
	_, err = NewKafkaShipper(&KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
