package internal

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/gpuproxy/gpuproxy/types"
)

// TaskEventType ...
type TaskEventType string

const (
	TaskAdded     TaskEventType = "added"
	TaskClaimed   TaskEventType = "claimed"
	TaskCompleted TaskEventType = "completed"
	TaskFailed    TaskEventType = "failed"
	TaskRequeued  TaskEventType = "requeued"
)

// TaskEvent is emitted after every successful task transition.
type TaskEvent struct {
	Type TaskEventType `json:"type"`
	Task *types.Task   `json:"task"`
	Time time.Time     `json:"time"`
}

// Notifier is told about task transitions. Implementations must not block
// for long and never fail the transition that triggered them.
type Notifier interface {
	Notify(ev TaskEvent)
	Close() error
}

// NullNotifier implements Notifier by dropping every event
type NullNotifier struct{}

func NewNullNotifier() Notifier { return &NullNotifier{} }

func (n *NullNotifier) Notify(ev TaskEvent) {}
func (n *NullNotifier) Close() error        { return nil }

// AMQPNotifier publishes task events as JSON to a durable fanout exchange.
type AMQPNotifier struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp.Connection
	ch       *amqp.Channel
}

// NewAMQPNotifier dials url and declares exchange.
func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	n := &AMQPNotifier{url: url, exchange: exchange}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AMQPNotifier) connect() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		log.WithError(err).Error("error connecting to amqp broker")
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		log.WithError(err).Error("error opening amqp channel")
		conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(n.exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		log.WithError(err).Errorf("error declaring exchange %s", n.exchange)
		ch.Close()
		conn.Close()
		return err
	}

	n.conn, n.ch = conn, ch
	return nil
}

func (n *AMQPNotifier) Notify(ev TaskEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Error("error encoding task event")
		return
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Time,
		Type:         string(ev.Type),
		Body:         body,
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil || n.conn.IsClosed() {
		if err := n.connect(); err != nil {
			log.WithError(err).Warnf("dropping %s event for task %s", ev.Type, ev.Task.ID)
			return
		}
	}

	if err := n.ch.Publish(n.exchange, "", false, false, msg); err != nil {
		log.WithError(err).Warnf("error publishing %s event for task %s", ev.Type, ev.Task.ID)
	}
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ch != nil {
		n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
