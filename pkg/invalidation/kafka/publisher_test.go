package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestPublisher_SendsWhatTheRunnerApplies(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	defer func() { _ = prod.Close() }()

	var sent []byte
	prod.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		sent = append([]byte(nil), val...)
		return nil
	})

	p := NewPublisherWithProducer(prod, "tile-invalidation")
	ev := Event{ID: "closure-9", Source: "ops", BBox: &BBox{North: 59.4, South: 59.3, East: 18.1, West: 18.0}, Version: 3, Op: "update"}
	if _, _, err := p.Publish(ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var got Event
	if err := json.Unmarshal(sent, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.TS.IsZero() || got.Version != 3 || got.DedupeKey() != ev.DedupeKey() {
		t.Fatalf("unexpected payload %+v", got)
	}

	inv := &fakeInvalidator{}
	r, _ := newRunner(t, inv)
	msg := &sarama.ConsumerMessage{Value: sent, Timestamp: got.TS}
	if err := r.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if inv.count() != 1 {
		t.Fatalf("published event not applied")
	}
}

func TestPublisher_RejectsInvalidAndReportsSendErrors(t *testing.T) {
	prod := mocks.NewSyncProducer(t, nil)
	defer func() { _ = prod.Close() }()
	p := NewPublisherWithProducer(prod, "t")

	if _, _, err := p.Publish(Event{}); err == nil {
		t.Fatalf("expected validation error")
	}

	prod.ExpectSendMessageAndFail(errors.New("broker down"))
	if _, _, err := p.Publish(Event{H3Cells: []string{"881f1d4891fffff"}}); err == nil {
		t.Fatalf("expected send error")
	}
}
