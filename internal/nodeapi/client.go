// Package nodeapi is a small JSON client for the payment node's REST API.
package nodeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var logger = logrus.StandardLogger().WithField("module", "nodeapi")

const apiPrefix = "/api/v1"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("url: %v, status %d: %s", e.URL, e.StatusCode, e.Body)
}

// LogTime is the node's timestamp format: ISO-8601 in UTC without a zone.
type LogTime struct {
	time.Time
}

const logTimeLayout = "2006-01-02T15:04:05.999999"

func (t *LogTime) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("log_time: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(logTimeLayout, strings.TrimSuffix(s, "Z"))
	if err != nil {
		return fmt.Errorf("log_time %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t LogTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.UTC().Format(logTimeLayout))), nil
}

// PaymentEvent is one raw record of the payment log.
type PaymentEvent struct {
	Event        string         `json:"event"`
	LogTime      LogTime        `json:"log_time"`
	Initiator    common.Address `json:"initiator"`
	Target       common.Address `json:"target"`
	TokenAddress common.Address `json:"token_address"`
	Amount       *uint256.Int   `json:"amount"`
	Identifier   uint64         `json:"identifier"`
}

// HistoryQuery selects a window of the log. Offset counts from the oldest
// entry. Token and Partner narrow the query server-side when set.
type HistoryQuery struct {
	Token   *common.Address
	Partner *common.Address
	Limit   int
	Offset  int
}

// HistoryPage is the node's answer: payments oldest-first plus the log length
// at the time of the call.
type HistoryPage struct {
	Payments []PaymentEvent `json:"payments"`
	Total    int            `json:"total"`
}

// PendingTransfer is an in-flight transfer as reported by the node.
type PendingTransfer struct {
	Role              string         `json:"role"`
	Initiator         common.Address `json:"initiator"`
	Target            common.Address `json:"target"`
	TokenAddress      common.Address `json:"token_address"`
	LockedAmount      *uint256.Int   `json:"locked_amount"`
	PaymentIdentifier uint64         `json:"payment_identifier"`
}

// TokenInfo describes a token known to the node.
type TokenInfo struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Decimals int            `json:"decimals"`
}

// Client talks to one node endpoint.
type Client struct {
	endpoint string
	headers  map[string]string
	http     *http.Client
	limiter  *rate.Limiter
}

// Options tune a Client. Zero values select defaults.
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Headers           map[string]string
}

// NewClient creates a client for the node at endpoint (scheme://host:port).
func NewClient(endpoint string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		headers:  opts.Headers,
		http:     &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Endpoint returns the base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// PaymentHistory fetches a window of the payment log.
func (c *Client) PaymentHistory(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	path := apiPrefix + "/payments"
	if q.Token != nil {
		path += "/" + q.Token.Hex()
		if q.Partner != nil {
			path += "/" + q.Partner.Hex()
		}
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("offset", strconv.Itoa(q.Offset))

	var page HistoryPage
	if err := c.getJSON(ctx, path+"?"+params.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PendingTransfers lists the node's in-flight transfers.
func (c *Client) PendingTransfers(ctx context.Context) ([]PendingTransfer, error) {
	var out []PendingTransfer
	if err := c.getJSON(ctx, apiPrefix+"/pending_transfers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Tokens lists the tokens registered on the node.
func (c *Client) Tokens(ctx context.Context) ([]TokenInfo, error) {
	var out []TokenInfo
	if err := c.getJSON(ctx, apiPrefix+"/tokens", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Address returns the node's own account address.
func (c *Client) Address(ctx context.Context) (common.Address, error) {
	var out struct {
		OurAddress common.Address `json:"our_address"`
	}
	if err := c.getJSON(ctx, apiPrefix+"/address", &out); err != nil {
		return common.Address{}, err
	}
	return out.OurAddress, nil
}

func (c *Client) getJSON(ctx context.Context, path string, returnValue interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	requrl := c.endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requrl, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for headerKey, headerVal := range c.headers {
		req.Header.Set(headerKey, headerVal)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logger.WithField("status", resp.StatusCode).Debugf("API error for %v: %s", path, data)
		return &StatusError{URL: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if err := json.NewDecoder(resp.Body).Decode(returnValue); err != nil {
		return fmt.Errorf("error parsing json response from %v: %w", path, err)
	}
	return nil
}
