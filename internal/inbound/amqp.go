package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"wabulk/internal/model"
	"wabulk/pkg/logx"
)

// Handler consumes decoded messages. *Observer implements it.
type Handler interface {
	Handle(ctx context.Context, m Message) (Seen, error)
}

type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// Consumer reads JSON messages {phone,name,text,at} from a durable queue.
//
// Run returns when the connection drops; callers restart it with backoff.
// Deliveries are acked after Handle succeeds. Undecodable or invalid
// messages are acked and logged. A failed message is requeued once and
// dropped if it fails again on redelivery.
type Consumer struct {
	cfg AMQPConfig
	h   Handler
	log logx.Logger
}

func NewConsumer(cfg AMQPConfig, h Handler, log logx.Logger) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = "wabulk.inbound"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	return &Consumer{cfg: cfg, h: h, log: log.With(logx.String("comp", "amqp"), logx.String("queue", cfg.Queue))}
}

func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{Heartbeat: 10 * time.Second, Properties: amqp.Table{"connection_name": "wabulk-inbound"}})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare %s: %w", c.cfg.Queue, err)
	}
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("amqp consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-closed:
			return fmt.Errorf("amqp connection closed: %v", e)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	var m Message
	if err := json.Unmarshal(d.Body, &m); err != nil {
		c.log.Warn("poison message dropped", logx.Err(err), logx.Int("bytes", len(d.Body)))
		_ = d.Ack(false)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := c.h.Handle(hctx, m)
	cancel()
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, model.ErrValidation):
		c.log.Warn("invalid message dropped", logx.Err(err))
		_ = d.Ack(false)
	case d.Redelivered:
		c.log.Error("message dropped after redelivery", logx.Err(err))
		_ = d.Ack(false)
	default:
		c.log.Warn("message requeued", logx.Err(err))
		_ = d.Nack(false, true)
	}
}
