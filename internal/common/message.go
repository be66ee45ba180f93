// Package common holds the types and conventions shared between the web
// application and the worker: the queue message formats, the queue and index
// names, and the on-disk layout of uploaded images.
package common

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// QueueName is the durable queue the web app publishes worker jobs to.
	QueueName = "image_hosting_queue"
	// IndexName is the Elasticsearch index holding image documents.
	IndexName = "image_hosting"
)

// ErrUnknownMessage is returned when a payload carries no recognized variant.
var ErrUnknownMessage = errors.New("unknown worker message variant")

// OnUploadMessage announces that an image has been persisted on shared
// storage and is ready for indexing.
type OnUploadMessage struct {
	ID     int64  `json:"id"`
	Format string `json:"format"`
	Title  string `json:"title"`
}

// SearchMessage asks for one page of results for a text query.
type SearchMessage struct {
	QueryText string `json:"query_text"`
	Page      int64  `json:"page"`
}

// WorkerMessage is the externally tagged union sent over the work queue:
// {"OnUpload":{...}} or {"Search":{...}}. Exactly one variant is set.
type WorkerMessage struct {
	OnUpload *OnUploadMessage `json:"OnUpload,omitempty"`
	Search   *SearchMessage   `json:"Search,omitempty"`
}

// DecodeWorkerMessage parses a queue payload and verifies that exactly one
// variant is present.
func DecodeWorkerMessage(data []byte) (WorkerMessage, error) {
	var msg WorkerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return WorkerMessage{}, fmt.Errorf("decode worker message: %w", err)
	}
	if (msg.OnUpload == nil) == (msg.Search == nil) {
		return WorkerMessage{}, ErrUnknownMessage
	}
	return msg, nil
}

// SearchResponse is the reply for a Search request. LastPage is true when
// the requested page is the final non-empty one.
type SearchResponse struct {
	IDs      []int64 `json:"ids"`
	LastPage bool    `json:"last_page"`
}
