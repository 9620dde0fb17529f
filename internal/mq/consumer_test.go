package mq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

// stubAcknowledger записывает, как consumer подтвердил доставку.
type stubAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *stubAcknowledger) Ack(_ uint64, _ bool) error {
	a.acked = true
	return nil
}

func (a *stubAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *stubAcknowledger) Reject(_ uint64, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func newTestConsumer(handler Handler) *Consumer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConsumer(nil, logger, ConsumerConfig{
		Queue:   QueueInvocationsReady,
		Handler: handler,
	})
}

func deliver(c *Consumer, body []byte) *stubAcknowledger {
	ack := &stubAcknowledger{}
	c.handleDelivery(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
	})
	return ack
}

func TestHandleDeliveryAcksOnSuccess(t *testing.T) {
	c := newTestConsumer(func(_ context.Context, _ *Delivery) error {
		return nil
	})

	ack := deliver(c, []byte(`{"id":"m1","type":"invocation.ready","payload":{}}`))
	if !ack.acked {
		t.Error("expected ack")
	}
	if ack.nacked {
		t.Error("unexpected nack")
	}
}

func TestHandleDeliveryRequeuesOnHandlerError(t *testing.T) {
	c := newTestConsumer(func(_ context.Context, _ *Delivery) error {
		return errors.New("db unavailable")
	})

	ack := deliver(c, []byte(`{"id":"m1","type":"invocation.ready","payload":{}}`))
	if !ack.nacked {
		t.Fatal("expected nack")
	}
	if !ack.requeue {
		t.Error("transient handler error should requeue")
	}
}

func TestHandleDeliveryDeadLettersBrokenEnvelope(t *testing.T) {
	called := false
	c := newTestConsumer(func(_ context.Context, _ *Delivery) error {
		called = true
		return nil
	})

	ack := deliver(c, []byte(`{not json`))
	if called {
		t.Error("handler should not run for a broken envelope")
	}
	if !ack.nacked {
		t.Fatal("expected nack")
	}
	if ack.requeue {
		t.Error("broken envelope should go to DLQ, not back to the queue")
	}
}

func TestHandleDeliveryDeadLettersMalformedPayload(t *testing.T) {
	c := newTestConsumer(func(_ context.Context, d *Delivery) error {
		_, err := ParsePayload[InvocationReadyPayload](&d.Message)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return nil
	})

	// Конверт корректный, но payload не разбирается в ожидаемый тип:
	// повторная доставка не поможет, сообщение должно уйти в DLQ.
	body := []byte(`{"id":"m1","type":"invocation.ready","payload":{"invocation_id":"not-a-uuid"}}`)
	ack := deliver(c, body)
	if !ack.nacked {
		t.Fatal("expected nack")
	}
	if ack.requeue {
		t.Error("malformed payload should go to DLQ, not back to the queue")
	}
}
