package oracle

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"allocvault/native/common"
)

// StaticSource serves fixed exchange rates stamped at read time. It backs
// local runs and tests; registering one behind the aggregator gives every
// configured pair a permanently fresh feed.
type StaticSource struct {
	mu    sync.RWMutex
	rates map[string]*big.Rat
	nowFn func() time.Time
}

// NewStaticSource constructs an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		rates: make(map[string]*big.Rat),
		nowFn: time.Now,
	}
}

// SetNowFunc overrides the quote timestamp source. Primarily for tests.
func (s *StaticSource) SetNowFunc(now func() time.Time) {
	if s == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	s.mu.Lock()
	s.nowFn = now
	s.mu.Unlock()
}

// SetRate fixes the rate for a pair and its inverse.
func (s *StaticSource) SetRate(base, quote string, rate *big.Rat) {
	if s == nil || rate == nil || rate.Sign() <= 0 {
		return
	}
	base = normalizeToken(base)
	quote = normalizeToken(quote)
	if base == "" || quote == "" || base == quote {
		return
	}
	s.mu.Lock()
	s.rates[base+"/"+quote] = new(big.Rat).Set(rate)
	s.rates[quote+"/"+base] = new(big.Rat).Inv(rate)
	s.mu.Unlock()
}

// GetRate implements the PriceOracle interface.
func (s *StaticSource) GetRate(base, quote string) (PriceQuote, error) {
	if s == nil {
		return PriceQuote{}, fmt.Errorf("oracle: %w", common.ErrMissingOracle)
	}
	base = normalizeToken(base)
	quote = normalizeToken(quote)
	s.mu.RLock()
	rate, ok := s.rates[base+"/"+quote]
	now := s.nowFn
	s.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("oracle: no static rate for %s/%s: %w", base, quote, common.ErrMissingOracle)
	}
	return PriceQuote{Rate: new(big.Rat).Set(rate), Timestamp: now(), Source: "static"}, nil
}
