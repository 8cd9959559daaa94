package rabbitmq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

const publishBuffer = 256

// RoutingKey is the topic key of a job's updates.
func RoutingKey(jobID string) string {
	return "job." + jobID
}

// Publisher fans merged records out to a topic exchange so other consumers
// can follow the tracker without polling it.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger

	queue chan jobs.Event
}

func NewPublisher(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		logger:   logger,
		queue:    make(chan jobs.Event, publishBuffer),
	}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Listen is a jobs.Listener. Fan-out is best effort: when the buffer is
// full the update is dropped and logged.
func (p *Publisher) Listen(rec jobs.Record, _ jobs.Update) {
	select {
	case p.queue <- rec.Event():
	default:
		p.logger.Warn("fan-out buffer full, dropping update", "job_id", rec.JobID)
	}
}

// Run publishes queued updates until ctx is done.
// The channel is used by this goroutine only.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.queue:
			if err := p.Publish(ctx, e); err != nil {
				p.logger.Warn("publish update failed", "job_id", e.JobID, "err", err)
			}
		}
	}
}

func (p *Publisher) Publish(ctx context.Context, e jobs.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		p.exchange,
		RoutingKey(e.JobID),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
