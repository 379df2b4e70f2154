// Package events publishes build status changes to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/vyvo/appbuild/backend/pkg/builder"
)

var _ builder.Notifier = (*AMQPPublisher)(nil)

// StatusEvent is the message body published for every accepted transition.
type StatusEvent struct {
	BuildID      string           `json:"build_id"`
	OwnerID      string           `json:"owner_id,omitempty"`
	Status       builder.Status   `json:"status"`
	Phase        builder.Phase    `json:"phase,omitempty"`
	Progress     int              `json:"progress"`
	Platform     builder.Platform `json:"platform"`
	DownloadURL  string           `json:"download_url,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Version      int64            `json:"version"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func newStatusEvent(job builder.Job) StatusEvent {
	return StatusEvent{
		BuildID:      job.ID,
		OwnerID:      job.OwnerID,
		Status:       job.Status,
		Phase:        job.Phase,
		Progress:     job.Progress,
		Platform:     job.Platform,
		DownloadURL:  job.DownloadURL,
		ErrorMessage: job.ErrorMessage,
		Version:      job.Version,
		UpdatedAt:    job.UpdatedAt,
	}
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends status events to a fanout exchange. Routing keys are
// build.<status> so topic-bound consumers can filter.
type AMQPPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       channel
	exchange string
	log      *zerolog.Logger
}

func NewAMQPPublisher(url, exchange string, logger *zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, log: logger}, nil
}

// Notify publishes job. Failures are logged and never block the poller for long.
func (p *AMQPPublisher) Notify(ctx context.Context, job builder.Job) {
	body, err := json.Marshal(newStatusEvent(job))
	if err != nil {
		p.log.Error().Err(err).Str("build_id", job.ID).Msg("encode status event")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(cctx,
		p.exchange,
		"build."+string(job.Status),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    fmt.Sprintf("%s:%d", job.ID, job.Version),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.log.Warn().Err(err).Str("build_id", job.ID).Msg("publish status event")
	}
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
