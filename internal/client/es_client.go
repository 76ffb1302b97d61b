package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/models"
	"security-core/internal/util"
)

// ESClient indexes and searches security alerts.
type ESClient struct {
	es *elasticsearch.Client
}

// NewElasticsearchClient accepts a comma-separated ELASTICSEARCH_URL. A CA
// bundle for self-signed clusters is read from ELASTICSEARCH_CA_FILE.
func NewElasticsearchClient(cfg *config.Config, logger *zap.Logger) (*ESClient, error) {
	ec := cfg.Elasticsearch

	esCfg := elasticsearch.Config{
		Addresses:     splitAddresses(ec.URL),
		Username:      ec.Username,
		Password:      ec.Password,
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    3,
	}
	if caFile := util.GetEnv("ELASTICSEARCH_CA_FILE", ""); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read Elasticsearch CA file: %w", err)
		}
		esCfg.CACert = pem
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	c := NewESClientFromConn(es)
	if err := c.HealthCheck(context.Background()); err != nil {
		return nil, err
	}

	logger.Info("Elasticsearch client initialized", zap.Strings("addresses", esCfg.Addresses))
	return c, nil
}

// NewESClientFromConn wraps an existing client; tests point it at an httptest server.
func NewESClientFromConn(es *elasticsearch.Client) *ESClient {
	return &ESClient{es: es}
}

func splitAddresses(raw string) []string {
	var out []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (e *ESClient) Close() {
	util.Info("Elasticsearch client shutdown")
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	res, err := e.es.Info(e.es.Info.WithContext(ctx))
	if err != nil {
		return models.Unavailable("elasticsearch info", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return models.Unavailable("elasticsearch info", responseError(res))
	}
	return nil
}

// EnsureIndex creates index with mapping unless it already exists.
func (e *ESClient) EnsureIndex(ctx context.Context, index string, mapping map[string]interface{}) error {
	res, err := e.es.Indices.Exists([]string{index}, e.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return models.Unavailable("elasticsearch index exists", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to encode index mapping: %w", err)
	}
	res, err = e.es.Indices.Create(index,
		e.es.Indices.Create.WithContext(ctx),
		e.es.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return models.Unavailable("elasticsearch create index", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		err := responseError(res)
		// another replica may have created it first
		if strings.Contains(err.Error(), "resource_already_exists_exception") {
			return nil
		}
		return err
	}
	return nil
}

func (e *ESClient) IndexDocument(ctx context.Context, index, id string, document interface{}) error {
	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	res, err := e.es.Index(index, bytes.NewReader(body),
		e.es.Index.WithContext(ctx),
		e.es.Index.WithDocumentID(id),
	)
	if err != nil {
		return models.Unavailable("elasticsearch index", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res)
	}
	return nil
}

// SearchHits runs query and decodes each hit's _source into a new T.
func SearchHits[T any](ctx context.Context, e *ESClient, index string, query map[string]interface{}) ([]T, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	res, err := e.es.Search(
		e.es.Search.WithContext(ctx),
		e.es.Search.WithIndex(index),
		e.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, models.Unavailable("elasticsearch search", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError(res)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source T `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	out := make([]T, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

// responseError extracts the error type and reason from an error response.
func responseError(res *esapi.Response) error {
	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil || body.Error.Type == "" {
		return fmt.Errorf("elasticsearch error: %s", res.Status())
	}
	return fmt.Errorf("elasticsearch error: [%s] %s: %s", res.Status(), body.Error.Type, body.Error.Reason)
}
