package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/internal/mq"
	"github.com/scopedauth/apiserver/types"
)

const (
	UserCreated = "user.created"
	UserUpdated = "user.updated"
)

// Event is the payload published for account changes. It never carries
// credentials.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher announces account changes.
type Publisher interface {
	Publish(ctx context.Context, eventType string, user types.User)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, string, types.User) {}

// MQPublisher encodes events as JSON and sends them on one channel.
// Broker failures are logged and swallowed.
type MQPublisher struct {
	mq      *mq.MQ
	channel string
	log     *zap.Logger
	now     func() time.Time
}

func NewMQPublisher(m *mq.MQ, channel string, log *zap.Logger) *MQPublisher {
	return &MQPublisher{mq: m, channel: channel, log: log, now: time.Now}
}

func (p *MQPublisher) Publish(ctx context.Context, eventType string, user types.User) {
	evt := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		UserID:     user.ID,
		Username:   user.Username,
		OccurredAt: p.now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Error("encode account event", zap.Error(err))
		return
	}

	attrs := map[string]string{
		"type":             eventType,
		mq.AttrContentType: "application/json",
		mq.AttrOrderingKey: strconv.FormatInt(user.ID, 10),
	}
	if _, err := p.mq.Publish(ctx, p.channel, data, attrs); err != nil {
		p.log.Error("publish account event",
			zap.Error(err),
			zap.String("type", eventType),
			zap.Int64("user_id", user.ID),
		)
		return
	}
	p.log.Debug("account event published", zap.String("type", eventType), zap.String("event_id", evt.ID))
}

// Decode parses a message produced by MQPublisher.
func Decode(msg mq.Message) (Event, error) {
	var evt Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode account event %s: %w", msg.ID, err)
	}
	return evt, nil
}
