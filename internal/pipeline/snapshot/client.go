package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"nft-pulse/internal/pipeline/config"
	"nft-pulse/internal/pipeline/feed"
	"nft-pulse/internal/pipeline/model"
	"nft-pulse/pkg/httpclient"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// TransactionPage REST 快照响应
type TransactionPage struct {
	Records       []model.TransactionRecord `json:"records"`
	Count         int                       `json:"count"`
	TotalInWindow int                       `json:"totalInWindow"`
}

type AlertPage struct {
	Records       []model.AlertTrigger `json:"records"`
	Count         int                  `json:"count"`
	TotalInWindow int                  `json:"totalInWindow"`
}

// Client fetches point-in-time snapshots from the REST backend. The response
// is treated purely as an array to reconcile; pagination and time-window are
// query parameters.
type Client struct {
	baseURL    string
	httpClient *httpclient.HTTPClient
	logger     *zap.Logger
}

func NewClient(cfg config.APIConfig, logger *zap.Logger) *Client {
	httpCfg := httpclient.HTTPClientConfig{
		Timeout:    time.Duration(cfg.Timeout) * time.Second,
		RateLimit:  cfg.RateLimit,
		MaxRetries: 3,
		XApiKey:    cfg.APIKey,
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpclient.NewHTTPClient(httpCfg, logger),
		logger:     logger,
	}
}

// RecentTransactions loads one page of historical transactions for a
// collection, newest first per the backend's ordering.
func (c *Client) RecentTransactions(ctx context.Context, collection string, window time.Duration, limit, offset int) (TransactionPage, error) {
	var page TransactionPage
	url := fmt.Sprintf("%s/api/v1/collections/%s/transactions", c.baseURL, collection)
	params := map[string]string{
		"window": window.String(),
		"limit":  strconv.Itoa(limit),
		"offset": strconv.Itoa(offset),
	}

	if err := c.httpClient.Get(ctx, url, params, &page); err != nil {
		return TransactionPage{}, fmt.Errorf("fetch transactions snapshot for %s: %w", collection, err)
	}
	return page, nil
}

// RecentAlerts loads one page of triggered alerts for a collection.
func (c *Client) RecentAlerts(ctx context.Context, collection string, window time.Duration, limit, offset int) (AlertPage, error) {
	var page AlertPage
	url := fmt.Sprintf("%s/api/v1/collections/%s/alerts", c.baseURL, collection)
	params := map[string]string{
		"window": window.String(),
		"limit":  strconv.Itoa(limit),
		"offset": strconv.Itoa(offset),
	}

	if err := c.httpClient.Get(ctx, url, params, &page); err != nil {
		return AlertPage{}, fmt.Errorf("fetch alerts snapshot for %s: %w", collection, err)
	}
	return page, nil
}

// TransactionsPaged fetches several pages concurrently and stitches them back
// together in page order. Duplicate suppression across page boundaries is the
// reconciler's job.
func (c *Client) TransactionsPaged(ctx context.Context, collection string, window time.Duration, pageSize, pages int) (TransactionPage, error) {
	if pages <= 1 {
		return c.RecentTransactions(ctx, collection, window, pageSize, 0)
	}

	results := make([]TransactionPage, pages)
	errs := make([]error, pages)

	var mu sync.Mutex
	worker := pool.New().WithMaxGoroutines(4)
	for i := 0; i < pages; i++ {
		idx := i
		worker.Go(func() {
			page, err := c.RecentTransactions(ctx, collection, window, pageSize, idx*pageSize)
			mu.Lock()
			results[idx] = page
			errs[idx] = err
			mu.Unlock()
		})
	}
	worker.Wait()

	for _, err := range errs {
		if err != nil {
			return TransactionPage{}, err
		}
	}

	merged := TransactionPage{}
	for _, page := range results {
		merged.Records = append(merged.Records, page.Records...)
		if page.TotalInWindow > merged.TotalInWindow {
			merged.TotalInWindow = page.TotalInWindow
		}
	}
	merged.Count = len(merged.Records)
	return merged, nil
}

// TransactionFetcher adapts a snapshot query into the reconciler's fetch
// contract. A limit beyond one page fans out through TransactionsPaged.
func (c *Client) TransactionFetcher(collection string, window time.Duration, limit, pageSize int) feed.FetchFunc[model.TransactionRecord] {
	if limit <= 0 {
		limit = 500
	}
	if pageSize <= 0 {
		pageSize = limit
	}
	pages := (limit + pageSize - 1) / pageSize

	return func(ctx context.Context) ([]model.TransactionRecord, int, error) {
		page, err := c.TransactionsPaged(ctx, collection, window, pageSize, pages)
		if err != nil {
			return nil, 0, err
		}
		return page.Records, page.TotalInWindow, nil
	}
}

// AlertFetcher adapts an alert snapshot query into the reconciler's fetch
// contract.
func (c *Client) AlertFetcher(collection string, window time.Duration, limit int) feed.FetchFunc[model.AlertTrigger] {
	return func(ctx context.Context) ([]model.AlertTrigger, int, error) {
		page, err := c.RecentAlerts(ctx, collection, window, limit, 0)
		if err != nil {
			return nil, 0, err
		}
		return page.Records, page.TotalInWindow, nil
	}
}
