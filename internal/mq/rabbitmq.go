package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scopedauth/apiserver/config"
)

const (
	rabbitConnectionName = "apiserver"
	rabbitHeartbeat      = 10 * time.Second
)

// RabbitMQBackend publishes to and consumes from named queues on the default
// exchange. Publishing waits for the broker's confirmation.
type RabbitMQBackend struct {
	conn      *amqp.Connection
	publishCh *amqp.Channel
	consumeCh *amqp.Channel
	durable   bool
	autoDel   bool

	// publishMu serializes publishes so confirmations match their message.
	publishMu sync.Mutex

	declareMu sync.Mutex
	declared  map[string]struct{}
}

func NewRabbitMQBackend(cfg config.RabbitMQConfig) (*RabbitMQBackend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(rabbitConnectionName)
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: rabbitHeartbeat, Properties: props})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	b := &RabbitMQBackend{
		conn:     conn,
		durable:  cfg.QueueDurable,
		autoDel:  cfg.QueueAutoDelete,
		declared: map[string]struct{}{},
	}
	if err := b.openChannels(cfg.PrefetchCount); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (r *RabbitMQBackend) openChannels(prefetch int) error {
	var err error
	if r.publishCh, err = r.conn.Channel(); err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := r.publishCh.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	if r.consumeCh, err = r.conn.Channel(); err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if prefetch > 0 {
		if err := r.consumeCh.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	return nil
}

// Publish sends data to the queue named channel and returns the message id
// once the broker has confirmed it.
func (r *RabbitMQBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}
	if err := r.ensureQueue(channel); err != nil {
		return "", err
	}

	msg := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{},
		Body:         data,
	}
	if r.durable {
		msg.DeliveryMode = amqp.Persistent
	}
	for key, value := range attrs {
		switch key {
		case AttrContentType:
			msg.ContentType = value
		case AttrOrderingKey:
			// A single queue is already FIFO; keep the key for consumers.
			msg.CorrelationId = value
		default:
			msg.Headers[key] = value
		}
	}

	r.publishMu.Lock()
	confirm, err := r.publishCh.PublishWithDeferredConfirmWithContext(ctx, "", channel, false, false, msg)
	r.publishMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("await confirm for %s: %w", channel, err)
	}
	if !acked {
		return "", fmt.Errorf("broker rejected message %s on %s", msg.MessageId, channel)
	}
	return msg.MessageId, nil
}

// Subscribe consumes the queue named channel until ctx is done. A handler
// error requeues the delivery.
func (r *RabbitMQBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}
	if err := r.ensureQueue(channel); err != nil {
		return err
	}

	consumerTag := "consumer-" + uuid.NewString()
	deliveries, err := r.consumeCh.ConsumeWithContext(ctx, channel, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", channel, err)
	}
	defer func() {
		_ = r.consumeCh.Cancel(consumerTag, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("rabbitmq deliveries for %s closed", channel)
			}
			if err := handler(ctx, deliveryToMessage(d)); err != nil {
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *RabbitMQBackend) Close() error {
	for _, ch := range []*amqp.Channel{r.publishCh, r.consumeCh} {
		if ch != nil {
			_ = ch.Close()
		}
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}

// ensureQueue declares the queue once per backend.
func (r *RabbitMQBackend) ensureQueue(name string) error {
	r.declareMu.Lock()
	defer r.declareMu.Unlock()
	if _, ok := r.declared[name]; ok {
		return nil
	}
	if _, err := r.publishCh.QueueDeclare(name, r.durable, r.autoDel, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	r.declared[name] = struct{}{}
	return nil
}

func deliveryToMessage(d amqp.Delivery) Message {
	attrs := headersToAttributes(d.Headers)
	if d.ContentType != "" {
		attrs[AttrContentType] = d.ContentType
	}
	if d.CorrelationId != "" {
		attrs[AttrOrderingKey] = d.CorrelationId
	}
	return Message{
		ID:          d.MessageId,
		Data:        d.Body,
		Attributes:  attrs,
		PublishedAt: d.Timestamp,
	}
}

func headersToAttributes(headers amqp.Table) map[string]string {
	attrs := make(map[string]string, len(headers)+2)
	for key, value := range headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	return attrs
}
