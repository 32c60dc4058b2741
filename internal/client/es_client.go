package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"onboard-service/internal/config"
	"onboard-service/internal/util"
)

// ESClient is the search cluster completed onboardings are indexed into
type ESClient struct {
	es *elasticsearch.Client
}

func NewElasticsearchClient(cfg *config.Config, logger *zap.Logger) (*ESClient, error) {
	esCfg := cfg.Elasticsearch
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{esCfg.URL},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.IsDevelopment()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	c := &ESClient{es: es}
	if err := c.HealthCheck(context.Background()); err != nil {
		return nil, err
	}

	logger.Info("Elasticsearch client initialized", zap.String("url", esCfg.URL))
	return c, nil
}

func (c *ESClient) HealthCheck(ctx context.Context) error {
	res, err := c.es.Info(c.es.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch unreachable: %w", err)
	}
	return decode(res, nil)
}

// Close releases nothing; the transport's idle connections are dropped with the process
func (c *ESClient) Close() {
	util.Info("Elasticsearch client shutdown")
}

// Index stores doc under id, replacing any earlier version
func (c *ESClient) Index(ctx context.Context, index, id string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	res, err := c.es.Index(index, bytes.NewReader(body),
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("index request: %w", err)
	}
	return decode(res, nil)
}

// Search runs query against index and decodes the response into out
func (c *ESClient) Search(ctx context.Context, index string, query, out interface{}) error {
	body, err := json.Marshal(query)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("search request: %w", err)
	}
	return decode(res, out)
}

// decode closes res. An error status is reported with the cluster's reason.
func decode(res *esapi.Response, out interface{}) error {
	defer res.Body.Close()

	if res.IsError() {
		var failure struct {
			Error struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		}
		if err := json.NewDecoder(res.Body).Decode(&failure); err != nil || failure.Error.Reason == "" {
			return fmt.Errorf("elasticsearch returned %s", res.Status())
		}
		return fmt.Errorf("elasticsearch returned %s: %s", res.Status(), failure.Error.Reason)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode elasticsearch response: %w", err)
	}
	return nil
}
