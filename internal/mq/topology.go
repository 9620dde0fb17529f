package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangePipelines   Exchange = "floodtwin.pipelines"
	ExchangeInvocations Exchange = "floodtwin.invocations"
	ExchangeDLQ         Exchange = "floodtwin.dlq"
)

// Queues — имена очередей.
const (
	QueuePipelinesSubmitted   Queue = "pipelines.submitted"
	QueueInvocationsReady     Queue = "invocations.ready"
	QueueInvocationsCompleted Queue = "invocations.completed"
	QueueDLQInvocations       Queue = "dlq.invocations"
)

// Routing keys.
const (
	RoutingKeySubmitted      RoutingKey = "submitted"
	RoutingKeyReady          RoutingKey = "ready"
	RoutingKeyCompleted      RoutingKey = "completed"
	RoutingKeyDLQInvocations RoutingKey = "invocations"
)

func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Создаём queues
		if err := declareQueues(ch); err != nil {
			return err
		}

		// 3. Привязываем queues к exchanges
		if err := bindQueues(ch); err != nil {
			return err
		}

		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangePipelines, "direct"},
		{ExchangeInvocations, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// Аргументы для очередей с DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQInvocations),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// pipelines.submitted — без DLQ (пайплайн обрабатывается один раз)
		{QueuePipelinesSubmitted, nil},

		// invocations.ready — с DLQ (битые и исчерпавшие retry вызовы)
		{QueueInvocationsReady, dlqArgs},

		// invocations.completed — без DLQ (события завершения)
		{QueueInvocationsCompleted, nil},

		// dlq.invocations — сама DLQ очередь
		{QueueDLQInvocations, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueuePipelinesSubmitted, RoutingKeySubmitted, ExchangePipelines},
		{QueueInvocationsReady, RoutingKeyReady, ExchangeInvocations},
		{QueueInvocationsCompleted, RoutingKeyCompleted, ExchangeInvocations},
		{QueueDLQInvocations, RoutingKeyDLQInvocations, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  floodtwin RabbitMQ Topology:

    floodtwin.pipelines (direct)
    └── pipelines.submitted [routing: submitted]
            Consumer: Orchestrator

    floodtwin.invocations (direct)
    ├── invocations.ready [routing: ready]
    │       Consumer: Worker
    │       DLQ: dlq.invocations
    └── invocations.completed [routing: completed]
            Consumer: Orchestrator

    floodtwin.dlq (direct)
    └── dlq.invocations [routing: invocations]
            Manual processing
  `
}
