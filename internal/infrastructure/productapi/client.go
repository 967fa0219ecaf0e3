package productapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/infrastructure/metrics"
	"marketchat/pkg/errors"
)

const maxErrorBody = 512

// Client queries the external product service for a seller's catalog.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ repository.ProductCatalog = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListBySeller calls GET {baseURL}/products/Seller/{sellerID}.
func (c *Client) ListBySeller(ctx context.Context, sellerID, authToken string) ([]entity.Product, error) {
	endpoint := fmt.Sprintf("%s/products/Seller/%s", c.baseURL, url.PathEscape(sellerID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Upstream("Failed to build product request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+authToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.ProductAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProductAPIRequests.WithLabelValues("transport_error").Inc()
		return nil, errors.Upstream("Product API request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ProductAPIRequests.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errors.Upstream(
			fmt.Sprintf("Product API returned status %d", resp.StatusCode),
			fmt.Errorf("seller %s: %s", sellerID, strings.TrimSpace(string(body))),
		)
	}

	var products []entity.Product
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		metrics.ProductAPIRequests.WithLabelValues("decode_error").Inc()
		return nil, errors.Upstream("Failed to decode product list", err)
	}
	metrics.ProductAPIRequests.WithLabelValues("200").Inc()

	return products, nil
}
