package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/floodtwin/internal/telemetry"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypePipelineSubmitted   MessageType = "pipeline.submitted"
	MessageTypeInvocationReady     MessageType = "invocation.ready"
	MessageTypeInvocationCompleted MessageType = "invocation.completed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// PipelineSubmittedPayload — payload для события о новом пайплайне.
type PipelineSubmittedPayload struct {
	PipelineID uuid.UUID `json:"pipeline_id"`
}

// InvocationReadyPayload — payload для вызова, готового к выполнению.
type InvocationReadyPayload struct {
	InvocationID uuid.UUID `json:"invocation_id"`
	PipelineID   uuid.UUID `json:"pipeline_id"`
}

// InvocationCompletedPayload — payload для завершённого вызова.
type InvocationCompletedPayload struct {
	InvocationID uuid.UUID `json:"invocation_id"`
	PipelineID   uuid.UUID `json:"pipeline_id"`
	Kind         string    `json:"kind"`
	Stage        int       `json:"stage"`
	State        string    `json:"state"` // SUCCESS или FAILURE
	Error        string    `json:"error,omitempty"`
	Attempt      int       `json:"attempt"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
	if err != nil {
		telemetry.PublishFailures.Inc()
	}
	return err
}

// PublishPipelineSubmitted публикует событие о новом пайплайне.
// Потребитель: Orchestrator.
func (p *Publisher) PublishPipelineSubmitted(ctx context.Context, pipelineID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypePipelineSubmitted,
		Payload:   PipelineSubmittedPayload{PipelineID: pipelineID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangePipelines, RoutingKeySubmitted, msg)
}

// PublishInvocationReady публикует событие о вызове, готовом к выполнению.
// Потребитель: Worker.
func (p *Publisher) PublishInvocationReady(ctx context.Context, invocationID, pipelineID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeInvocationReady,
		Payload:   InvocationReadyPayload{InvocationID: invocationID, PipelineID: pipelineID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeInvocations, RoutingKeyReady, msg)
}

// PublishInvocationCompleted публикует событие о завершённом вызове.
// Потребитель: Orchestrator.
func (p *Publisher) PublishInvocationCompleted(ctx context.Context, payload InvocationCompletedPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeInvocationCompleted,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeInvocations, RoutingKeyCompleted, msg)
}
