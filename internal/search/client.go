// Package search wraps the Elasticsearch side of the worker: one-time index
// bootstrap, document indexing keyed by image id, and the combined
// lexical + kNN query behind text search.
package search

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/screenager/imagehost/internal/config"
)

// Client is a thin wrapper over the shared Elasticsearch handle. It is
// immutable after construction and safe for concurrent use.
type Client struct {
	es *elasticsearch.Client
}

// NewClient builds a client from the connection settings. The transport may
// be overridden for tests.
func NewClient(cfg config.Elasticsearch, transport http.RoundTripper) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Client{es: es}, nil
}

// indexMapping is the schema of the image index: a bilingual analyzed title
// and a 512-dim dense vector compared by dot product (embeddings are
// normalized, so dot product equals cosine).
const indexMapping = `{
	"settings": {
		"index": {
			"analysis": {
				"filter": {
					"english_stemmer": {"type": "stemmer", "name": "english"},
					"russian_stemmer": {"type": "stemmer", "name": "russian"},
					"english_stop": {"type": "stop", "stopwords": "_english_"},
					"russian_stop": {"type": "stop", "stopwords": "_russian_"}
				},
				"analyzer": {
					"en_ru_analyzer": {
						"tokenizer": "standard",
						"filter": [
							"lowercase",
							"english_stemmer",
							"russian_stemmer",
							"english_stop",
							"russian_stop"
						]
					}
				}
			}
		}
	},
	"mappings": {
		"properties": {
			"title": {"type": "text", "analyzer": "en_ru_analyzer"},
			"embedding": {
				"type": "dense_vector",
				"dims": 512,
				"index": true,
				"similarity": "dot_product"
			}
		}
	}
}`

// EnsureIndex creates the image index on first startup and is a no-op when
// it already exists. Any other failure is fatal to the caller.
func (c *Client) EnsureIndex(ctx context.Context, index string) error {
	res, err := c.es.Indices.Exists([]string{index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", index, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = c.es.Indices.Create(index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("create index %s: %s", index, res.String())
	}
	return nil
}
