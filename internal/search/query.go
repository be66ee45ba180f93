package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/screenager/imagehost/internal/common"
	"github.com/screenager/imagehost/internal/embedding"
)

const (
	resultsPerPage = 6
	knnPages       = 20
	// knnK bounds the vector side of the query; pages past knnPages-1 get no
	// vector hits regardless of content.
	knnK = resultsPerPage * knnPages
)

// IndexImage stores one image document keyed by its id. Indexing replaces
// any existing document with the same id, so broker redelivery is
// idempotent.
func (c *Client) IndexImage(ctx context.Context, index string, id int64, title string, emb embedding.Embedding) error {
	body, err := json.Marshal(map[string]any{
		"title":     title,
		"embedding": emb,
	})
	if err != nil {
		return fmt.Errorf("encode document %d: %w", id, err)
	}

	res, err := c.es.Index(index, bytes.NewReader(body),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(strconv.FormatInt(id, 10)),
	)
	if err != nil {
		return fmt.Errorf("index document %d: %w", id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index document %d: %s", id, res.String())
	}
	return nil
}

// searchBody is the combined query: BM25-style lexical match on the title
// plus approximate nearest-neighbor similarity on the embedding.
type searchBody struct {
	Query  searchQuery `json:"query"`
	KNN    knnQuery    `json:"knn"`
	Source bool        `json:"_source"`
}

type searchQuery struct {
	SimpleQueryString simpleQueryString `json:"simple_query_string"`
}

type simpleQueryString struct {
	Query  string   `json:"query"`
	Fields []string `json:"fields"`
}

type knnQuery struct {
	Field       string              `json:"field"`
	QueryVector embedding.Embedding `json:"query_vector"`
	K           int                 `json:"k"`
}

// Search runs the hybrid query for one page and returns the ordered ids.
// It asks for one document beyond the page window: a full window plus one
// means more pages follow.
func (c *Client) Search(ctx context.Context, index, queryText string, emb embedding.Embedding, page int64) (common.SearchResponse, error) {
	body, err := json.Marshal(searchBody{
		Query: searchQuery{SimpleQueryString: simpleQueryString{
			Query:  queryText,
			Fields: []string{"title"},
		}},
		KNN: knnQuery{
			Field:       "embedding",
			QueryVector: emb,
			K:           knnK,
		},
		Source: false,
	})
	if err != nil {
		return common.SearchResponse{}, fmt.Errorf("encode search: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithFrom(int(page)*resultsPerPage),
		c.es.Search.WithSize(resultsPerPage+1),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return common.SearchResponse{}, fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return common.SearchResponse{}, fmt.Errorf("search: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return common.SearchResponse{}, fmt.Errorf("decode search response: %w", err)
	}

	ids := make([]int64, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			return common.SearchResponse{}, fmt.Errorf("non-numeric document id %q: %w", hit.ID, err)
		}
		ids = append(ids, id)
	}

	resp := common.SearchResponse{IDs: ids, LastPage: true}
	if len(resp.IDs) == resultsPerPage+1 {
		resp.LastPage = false
		resp.IDs = resp.IDs[:resultsPerPage]
	}
	return resp, nil
}
