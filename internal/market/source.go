// Package market serves pool analytics and token prices from upstream
// market data.
package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrUpstream indicates the market data upstream failed or returned garbage.
var ErrUpstream = errors.New("market: upstream error")

// ErrNotFound indicates the upstream does not know the pool or token.
var ErrNotFound = errors.New("market: not found")

// PoolSnapshot is the upstream view of a liquidity pool.
type PoolSnapshot struct {
	Address   string    `json:"address"`
	Reserve0  float64   `json:"reserve0"`
	Reserve1  float64   `json:"reserve1"`
	Volume24h float64   `json:"volume24h"`
	FeeBps    float64   `json:"feeBps"`
	Prices    []float64 `json:"prices"`
}

// Quote is a token price observation.
type Quote struct {
	Token     string    `json:"token"`
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PoolSource loads pool snapshots.
type PoolSource interface {
	Pool(ctx context.Context, address string) (PoolSnapshot, error)
}

// PriceSource loads token prices.
type PriceSource interface {
	Price(ctx context.Context, token string) (Quote, error)
}

// HTTPSource reads pools and prices from a JSON market data API.
type HTTPSource struct {
	base   string
	client *http.Client
	now    func() time.Time
}

// NewHTTPSource builds a source rooted at baseURL.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{base: strings.TrimRight(baseURL, "/"), client: client, now: time.Now}
}

// Pool implements PoolSource.
func (s *HTTPSource) Pool(ctx context.Context, address string) (PoolSnapshot, error) {
	body, err := s.get(ctx, "/pools/"+url.PathEscape(address))
	if err != nil {
		return PoolSnapshot{}, err
	}
	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.IsObject() {
		root = data
	}
	if !root.Get("reserve0").Exists() || !root.Get("reserve1").Exists() {
		return PoolSnapshot{}, fmt.Errorf("%w: pool %s missing reserves", ErrUpstream, address)
	}
	snap := PoolSnapshot{
		Address:   strings.ToLower(address),
		Reserve0:  root.Get("reserve0").Float(),
		Reserve1:  root.Get("reserve1").Float(),
		Volume24h: root.Get("volume24h").Float(),
		FeeBps:    root.Get("feeBps").Float(),
	}
	root.Get("prices").ForEach(func(_, v gjson.Result) bool {
		snap.Prices = append(snap.Prices, v.Float())
		return true
	})
	return snap, nil
}

// Price implements PriceSource.
func (s *HTTPSource) Price(ctx context.Context, token string) (Quote, error) {
	body, err := s.get(ctx, "/tokens/"+url.PathEscape(token)+"/price")
	if err != nil {
		return Quote{}, err
	}
	res := gjson.GetManyBytes(body, "price", "data.price", "timestamp", "data.timestamp")
	price := res[0]
	if !price.Exists() {
		price = res[1]
	}
	if !price.Exists() {
		return Quote{}, fmt.Errorf("%w: token %s missing price", ErrUpstream, token)
	}
	ts := res[2]
	if !ts.Exists() {
		ts = res[3]
	}
	q := Quote{Token: strings.ToLower(token), Price: price.String(), Timestamp: s.now().UTC()}
	if ts.Exists() {
		q.Timestamp = time.UnixMilli(ts.Int()).UTC()
	}
	return q, nil
}

func (s *HTTPSource) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstream, path, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json from %s", ErrUpstream, path)
	}
	return body, nil
}
