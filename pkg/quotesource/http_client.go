package quotesource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rpsouza441/ticker-monitor/pkg/models"
)

// HTTPClient adapts a JSON/HTTP quote provider to the Source
// contract. It is the only place in the pipeline that understands
// the provider's wire format and HTTP status conventions.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds an HTTPClient with a bounded per-call timeout
// (30s when unset; a timeout surfaces as ErrTransient).
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type batchRequest struct {
	Symbols []string `json:"symbols"`
}

type quotePayload struct {
	AssetType    models.AssetType        `json:"asset_type"`
	Currency     string                  `json:"currency"`
	Price        string                  `json:"price"`
	Volume       *int64                  `json:"volume"`
	ObservedAt   time.Time               `json:"observed_at"`
	Fundamentals *models.FundamentalsData `json:"fundamentals,omitempty"`
	History      []models.HistoryBarData  `json:"history,omitempty"`
}

type batchResponse struct {
	Results map[string]quotePayload `json:"results"`
	Errors  map[string]string       `json:"errors"`
}

// FetchBatch posts the symbol list to BaseURL+"/quotes/batch" and
// maps the response into the Source contract.
func (c *HTTPClient) FetchBatch(ctx context.Context, symbols []string) ([]SymbolOutcome, error) {
	body, err := json.Marshal(batchRequest{Symbols: symbols})
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/quotes/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request timed out: %v", ErrTransient, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: provider returned 429", ErrThrottled)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrTransient, resp.StatusCode)
	}

	var decoded batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}

	outcomes := make([]SymbolOutcome, 0, len(symbols))
	for _, symbol := range symbols {
		if payload, ok := decoded.Results[symbol]; ok {
			outcomes = append(outcomes, SymbolOutcome{
				Symbol: symbol,
				Quote: &models.QuoteRecord{
					Symbol:       symbol,
					AssetType:    payload.AssetType,
					Currency:     payload.Currency,
					Price:        models.TruncateDecimal4(payload.Price),
					Volume:       payload.Volume,
					ObservedAt:   payload.ObservedAt,
					Fundamentals: payload.Fundamentals,
					History:      truncateHistory(payload.History),
				},
			})
			continue
		}
		reason, hasError := decoded.Errors[symbol]
		if !hasError {
			reason = "symbol missing from provider response"
		}
		outcomes = append(outcomes, SymbolOutcome{
			Symbol: symbol,
			Err:    fmt.Errorf("%w: %s", ErrPermanent, reason),
		})
	}
	return outcomes, nil
}

// truncateHistory applies the same 4dp truncation to every OHLCV
// field of every bar, since the provider's precision isn't bounded
// any more tightly for history than for the last price.
func truncateHistory(bars []models.HistoryBarData) []models.HistoryBarData {
	truncated := make([]models.HistoryBarData, len(bars))
	for i, bar := range bars {
		bar.Open = models.TruncateDecimal4(bar.Open)
		bar.High = models.TruncateDecimal4(bar.High)
		bar.Low = models.TruncateDecimal4(bar.Low)
		bar.Close = models.TruncateDecimal4(bar.Close)
		truncated[i] = bar
	}
	return truncated
}
