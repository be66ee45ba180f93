// Package worker consumes jobs from the broker and dispatches them to the
// upload and search handlers. It implements RPC-over-queue semantics: search
// replies are published to the caller's reply queue under the request's
// correlation id, uploads are fire-and-forget and only acked.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/screenager/imagehost/internal/clip"
	"github.com/screenager/imagehost/internal/common"
	"github.com/screenager/imagehost/internal/config"
	"github.com/screenager/imagehost/internal/search"
)

const reconnectDelay = time.Second

// Worker holds the process-wide handles shared by every message: the two
// model pipelines and the index client, all immutable after startup.
type Worker struct {
	cfg    config.RabbitMQ
	log    zerolog.Logger
	images *clip.ImageModel
	texts  *clip.TextModel
	index  *search.Client
}

// New wires a worker from its startup-time singletons.
func New(cfg config.RabbitMQ, logger zerolog.Logger, images *clip.ImageModel, texts *clip.TextModel, index *search.Client) *Worker {
	return &Worker{
		cfg:    cfg,
		log:    logger.With().Str("component", "worker").Logger(),
		images: images,
		texts:  texts,
		index:  index,
	}
}

// Run consumes the work queue until ctx is cancelled. Network failures are
// retried forever with a fixed backoff; a clean shutdown exits the loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		err := w.consume(ctx)
		if err == nil {
			w.log.Info().Msg("connection shut down normally")
			return
		}
		w.log.Error().Err(err).Msg("connection error")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consume runs one connection lifecycle: dial, declare the durable queue,
// then handle deliveries until shutdown or connection failure. In-flight
// handlers are awaited before the connection closes so every delivery is
// acked or nacked.
func (w *Worker) consume(ctx context.Context) error {
	conn, err := amqp.Dial(w.cfg.URL())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	queue, err := ch.QueueDeclare(common.QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	w.log.Info().Str("queue", queue.Name).Msg("listening")

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return nil
			}
			return fmt.Errorf("connection failure: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery stream closed")
			}
			handlers.Add(1)
			go func() {
				// In-flight deliveries hold their ack and must resolve even
				// during shutdown; the WaitGroup keeps the connection open
				// until they do.
				defer handlers.Done()
				w.dispatch(context.WithoutCancel(ctx), ch, d)
			}()
		}
	}
}

// dispatch routes one delivery and settles it: ack after the handler
// succeeds, nack with requeue otherwise.
func (w *Worker) dispatch(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) {
	err := w.handle(ctx, ch, d)
	if err != nil {
		w.log.Error().Err(err).Msg("message failed")
		if nackErr := d.Nack(false, true); nackErr != nil {
			w.log.Error().Err(nackErr).Msg("can't nack message")
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		w.log.Error().Err(ackErr).Msg("can't ack message")
	}
}

func (w *Worker) handle(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) error {
	msg, err := common.DecodeWorkerMessage(d.Body)
	if err != nil {
		return err
	}
	switch {
	case msg.OnUpload != nil:
		return w.handleUpload(ctx, *msg.OnUpload)
	case msg.Search != nil:
		return w.handleSearch(ctx, ch, *msg.Search, d.ReplyTo, d.CorrelationId)
	}
	return common.ErrUnknownMessage
}
