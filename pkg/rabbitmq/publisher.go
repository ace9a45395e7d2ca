package rabbitmq

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"voicemind/config"
	"voicemind/dto"
)

// Publisher pushes finalize jobs onto the meeting exchange.
type Publisher struct {
	ch  *amqp.Channel
	cfg *config.RabbitMQ
}

func NewPublisher(conn *amqp.Connection, cfg *config.RabbitMQ) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(FinalizeExchange, cfg.Kind, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	return &Publisher{
		ch:  ch,
		cfg: cfg,
	}, nil
}

func (p *Publisher) PublishFinalize(ctx context.Context, msg dto.FinalizeMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, FinalizeExchange, FinalizeRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
