package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
)

const mirrorExchange = "chat.events"

// EventMirror re-publishes committed domain events to an AMQP topic
// exchange for out-of-process consumers (audit trails, persist workers).
// In-process subscribers never depend on it; a publish failure is logged
// and the event still counts as delivered.
type EventMirror struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewEventMirror(url string) (*EventMirror, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(mirrorExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &EventMirror{conn: conn, channel: ch}, nil
}

// HandleEvent is the bus subscription point.
func (m *EventMirror) HandleEvent(evt domain.Event) {
	body, err := json.Marshal(struct {
		Kind  string       `json:"kind"`
		Event domain.Event `json:"event"`
	}{Kind: evt.Kind(), Event: evt})
	if err != nil {
		commonlog.Errorf("event=event_mirror action=marshal status=failed kind=%s error=%v", evt.Kind(), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = m.channel.PublishWithContext(ctx, mirrorExchange, evt.Kind(), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
	if err != nil {
		commonlog.Errorf("event=event_mirror action=publish status=failed kind=%s event_id=%s error=%v", evt.Kind(), evt.Meta().EventID, err)
		return
	}
	commonlog.Debugf("event=event_mirror action=publish status=ok kind=%s event_id=%s", evt.Kind(), evt.Meta().EventID)
}

func (m *EventMirror) Close() {
	if m.channel != nil {
		_ = m.channel.Close()
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
}
