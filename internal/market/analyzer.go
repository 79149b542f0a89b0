package market

import (
	"context"
	"errors"
	"math"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Analysis is the recommendation for a pool.
type Analysis struct {
	RecommendedAction float64 `json:"recommendedAction"`
	Confidence        float64 `json:"confidence"`
}

// Scorer turns a pool snapshot into a recommendation. Implementations are
// opaque to the ledger.
type Scorer interface {
	Score(ctx context.Context, pool PoolSnapshot) (Analysis, error)
}

// HeuristicScorer scores pools from the deviation of the spot price from the
// mean of recent prices. A positive action suggests buying token0.
type HeuristicScorer struct{}

// Score implements Scorer.
func (HeuristicScorer) Score(_ context.Context, pool PoolSnapshot) (Analysis, error) {
	if pool.Reserve0 <= 0 || pool.Reserve1 <= 0 {
		return Analysis{}, nil
	}
	spot := pool.Reserve1 / pool.Reserve0
	if len(pool.Prices) == 0 {
		return Analysis{}, nil
	}
	var sum float64
	for _, p := range pool.Prices {
		sum += p
	}
	mean := sum / float64(len(pool.Prices))
	if mean <= 0 {
		return Analysis{}, nil
	}
	deviation := (mean - spot) / mean
	fee := pool.FeeBps / 10000
	action := 0.0
	if math.Abs(deviation) > fee {
		action = deviation
	}
	depth := pool.Reserve0 * spot
	confidence := 0.0
	if depth+pool.Volume24h > 0 {
		confidence = pool.Volume24h / (depth + pool.Volume24h)
	}
	samples := math.Min(float64(len(pool.Prices))/24, 1)
	return Analysis{
		RecommendedAction: round(action, 6),
		Confidence:        round(confidence*samples, 4),
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Analyzer serves cached pool analyses.
type Analyzer struct {
	pools  PoolSource
	scorer Scorer
	cache  *Cache
	group  singleflight.Group
}

// NewAnalyzer wires an analyzer. A nil scorer selects HeuristicScorer.
func NewAnalyzer(pools PoolSource, scorer Scorer, cache *Cache) *Analyzer {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &Analyzer{pools: pools, scorer: scorer, cache: cache}
}

// Analyze returns the analysis of address.
func (a *Analyzer) Analyze(ctx context.Context, address string) (Analysis, error) {
	if a == nil || a.pools == nil {
		return Analysis{}, errors.New("market: analyzer not initialised")
	}
	address = strings.ToLower(strings.TrimSpace(address))
	key, err := a.cache.BuildKey(ctx, "market", "pool", address)
	if err != nil {
		return Analysis{}, err
	}
	v, err := shared(ctx, &a.group, key, func(ctx context.Context) (any, error) {
		var out Analysis
		err := a.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			pool, err := a.pools.Pool(ctx, address)
			if err != nil {
				return nil, err
			}
			return a.scorer.Score(ctx, pool)
		})
		return out, err
	})
	if err != nil {
		return Analysis{}, err
	}
	return v.(Analysis), nil
}

// Pricer serves cached token prices.
type Pricer struct {
	prices PriceSource
	cache  *Cache
	group  singleflight.Group
}

// NewPricer wires a pricer.
func NewPricer(prices PriceSource, cache *Cache) *Pricer {
	return &Pricer{prices: prices, cache: cache}
}

// Price returns the latest quote of token.
func (p *Pricer) Price(ctx context.Context, token string) (Quote, error) {
	if p == nil || p.prices == nil {
		return Quote{}, errors.New("market: pricer not initialised")
	}
	token = strings.ToLower(strings.TrimSpace(token))
	key, err := p.cache.BuildKey(ctx, "market", "price", token)
	if err != nil {
		return Quote{}, err
	}
	v, err := shared(ctx, &p.group, key, func(ctx context.Context) (any, error) {
		var out Quote
		err := p.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			return p.prices.Price(ctx, token)
		})
		return out, err
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

func shared(ctx context.Context, group *singleflight.Group, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}
