package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/watch"
)

var errDeliveriesClosed = errors.New("amqp: delivery channel closed")

// Consumer is a watch transport for services that push job updates to a
// topic exchange keyed by RoutingKey.
type Consumer struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

func NewConsumer(url, exchange string, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{conn: conn, exchange: exchange, logger: logger}, nil
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}

// Subscribe binds a private auto-delete queue to the job's routing key.
func (c *Consumer) Subscribe(ctx context.Context, req watch.Request, sink watch.Sink) (watch.Subscription, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, RoutingKey(req.JobID), c.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	h, hctx := watch.NewHandle(ctx)
	go func() {
		defer ch.Close()
		h.Finish(c.run(hctx, req, msgs, sink))
	}()
	return h, nil
}

func (c *Consumer) run(ctx context.Context, req watch.Request, msgs <-chan amqp.Delivery, sink watch.Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errDeliveriesClosed
			}
			u, terminal, err := decodeDelivery(d.Body, req.JobID)
			if err != nil {
				c.logger.Warn("bad job update", "job_id", req.JobID, "err", err)
				continue
			}
			sink(u)
			if terminal {
				return nil
			}
		}
	}
}

// decodeDelivery turns a message body into an update for jobID.
func decodeDelivery(body []byte, jobID string) (jobs.Update, bool, error) {
	var e jobs.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return jobs.Update{}, false, fmt.Errorf("decode: %w", err)
	}
	if e.JobID == "" {
		e.JobID = jobID
	}
	if e.JobID != jobID {
		return jobs.Update{}, false, fmt.Errorf("update for job %s on the queue of %s", e.JobID, jobID)
	}
	u, err := jobs.NormalizeEvent(e)
	if err != nil {
		return jobs.Update{}, false, err
	}
	return u, u.Status.Terminal(), nil
}
