package worker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/screenager/imagehost/internal/common"
)

// handleSearch computes the query embedding on the interactive (priority)
// path, runs the hybrid index query, and publishes the reply to the
// caller's reply queue under its correlation id.
func (w *Worker) handleSearch(ctx context.Context, ch *amqp.Channel, msg common.SearchMessage, replyTo, correlationID string) error {
	if replyTo == "" || correlationID == "" {
		return fmt.Errorf("search request missing reply_to or correlation_id")
	}

	emb, err := w.texts.Embed(ctx, msg.QueryText, true)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}

	resp, err := w.index.Search(ctx, common.IndexName, msg.QueryText, emb, msg.Page)
	if err != nil {
		return err
	}

	pub, err := buildReply(resp, correlationID)
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", replyTo, false, false, pub); err != nil {
		return fmt.Errorf("publish search reply: %w", err)
	}

	w.log.Debug().Str("correlation_id", correlationID).Int("hits", len(resp.IDs)).Msg("answered search")
	return nil
}

// buildReply encodes a search response as a persistent reply message
// echoing the request's correlation id.
func buildReply(resp common.SearchResponse, correlationID string) (amqp.Publishing, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode search response: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		DeliveryMode:  amqp.Persistent,
		Body:          body,
	}, nil
}
