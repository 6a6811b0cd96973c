package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestBufferFlushesInOrder(t *testing.T) {
	var buf Buffer
	ctx := WithNotifier(context.Background(), &buf)
	Notify(ctx, "Unlinked: Item %q on %q.", "CPU load", "web01")
	Notify(ctx, "Templates [%s] unlinked from hosts [%s].", "Linux", "web01")

	var got []string
	flushed := buf.Flush(ctx, NotifierFunc(func(_ context.Context, msg string) { got = append(got, msg) }))

	want := []string{
		`Unlinked: Item "CPU load" on "web01".`,
		`Templates [Linux] unlinked from hosts [web01].`,
	}
	if !reflect.DeepEqual(got, want) || !reflect.DeepEqual(flushed, want) {
		t.Fatalf("flushed %v, want %v", got, want)
	}
	if msgs := buf.Messages(); len(msgs) != 0 {
		t.Fatalf("expected empty buffer after flush, got %v", msgs)
	}
}

func TestNotifyWithoutNotifierIsDiscarded(t *testing.T) {
	Notify(context.Background(), "nobody listens")
	if FromContext(context.Background()) != Discard {
		t.Fatalf("expected Discard for bare context")
	}
}

func TestLoggerTagsOperation(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := &Logger{Entry: logrus.NewEntry(logger)}

	l.Notify(WithOperation(context.Background(), "op-1"), "Deleted: Host \"db01\".")

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected a log entry")
	}
	if entry.Message != "Deleted: Host \"db01\"." || entry.Data["operation_id"] != "op-1" {
		t.Fatalf("unexpected entry: %q %v", entry.Message, entry.Data)
	}
}

type fakeWriter struct {
	msgs  []kafka.Message
	calls int
	err   error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublishesEvent(t *testing.T) {
	w := &fakeWriter{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	k := &Kafka{writer: w, topic: "audit", now: func() time.Time { return now }}

	k.Notify(WithOperation(context.Background(), "op-7"), "Unlinked: Graph \"Traffic\" on \"edge01\".")

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "op-7" {
		t.Fatalf("expected key op-7, got %q", w.msgs[0].Key)
	}
	var ev Event
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Message != "Unlinked: Graph \"Traffic\" on \"edge01\"." || ev.OperationID != "op-7" || !ev.Time.Equal(now) || ev.ID == "" {
		t.Fatalf("unexpected event: %#v", ev)
	}
}

func TestKafkaSwallowsWriteErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	k := &Kafka{writer: w, topic: "audit", now: time.Now}

	k.Notify(context.Background(), "anything")

	if len(w.msgs) != 0 {
		t.Fatalf("expected no messages on failure")
	}
}

func TestBufferFlushWritesOneKafkaBatch(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w, topic: "audit", now: time.Now}
	var logged []string
	sink := Multi{NotifierFunc(func(_ context.Context, msg string) { logged = append(logged, msg) }), k}

	buf := &Buffer{}
	for i := 0; i < 40; i++ {
		buf.Notify(context.Background(), fmt.Sprintf("Unlinked: Item \"key.%d\" on \"edge01\".", i))
	}
	ctx := WithOperation(context.Background(), "op-9")
	msgs := buf.Flush(ctx, sink)

	if len(msgs) != 40 || len(logged) != 40 {
		t.Fatalf("expected 40 messages everywhere, got %d flushed, %d logged", len(msgs), len(logged))
	}
	if w.calls != 1 {
		t.Fatalf("expected one WriteMessages call per flush, got %d", w.calls)
	}
	if len(w.msgs) != 40 {
		t.Fatalf("expected 40 kafka messages, got %d", len(w.msgs))
	}
	for i, m := range w.msgs {
		if string(m.Key) != "op-9" {
			t.Fatalf("message %d: expected key op-9, got %q", i, m.Key)
		}
	}
	var last Event
	if err := json.Unmarshal(w.msgs[39].Value, &last); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if last.Message != msgs[39] {
		t.Fatalf("messages out of order: %q", last.Message)
	}

	buf.Flush(ctx, sink)
	if w.calls != 1 {
		t.Fatalf("empty flush must not write, got %d calls", w.calls)
	}
}

func TestNewKafkaValidatesArguments(t *testing.T) {
	if _, err := NewKafka("", "audit"); err == nil {
		t.Fatalf("expected error for empty brokers")
	}
	if _, err := NewKafka("localhost:9092", ""); err == nil {
		t.Fatalf("expected error for empty topic")
	}
}
