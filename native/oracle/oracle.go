package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"allocvault/native/common"
)

// PriceQuote captures an exchange rate for a token pair along with the
// timestamp reported by the upstream source and the source identifier.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// PriceOracle resolves an exchange rate for the provided base/quote pair.
type PriceOracle interface {
	GetRate(base, quote string) (PriceQuote, error)
}

// Aggregator consults registered oracles in priority order until a fresh
// quote is obtained. Quotes older than the configured freshness window are
// discarded; the vault fails closed rather than pricing against stale data.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	oracles  map[string]PriceOracle
	maxAge   time.Duration
	nowFn    func() time.Time
}

// NewAggregator constructs an aggregator with the provided priority ordering
// and freshness window.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		priority: append([]string{}, priority...),
		oracles:  make(map[string]PriceOracle),
		maxAge:   maxAge,
		nowFn:    time.Now,
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	if a == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// Register adds or replaces an oracle under the supplied identifier.
// Identifiers are stored in lowercase so lookups remain consistent regardless
// of configuration casing.
func (a *Aggregator) Register(name string, oracle PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = oracle
	for _, entry := range a.priority {
		if entry == trimmed {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetRate returns the first fresh quote available in priority order.
func (a *Aggregator) GetRate(base, quote string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("oracle: %w", common.ErrMissingOracle)
	}
	base = normalizeToken(base)
	quote = normalizeToken(quote)
	if base == "" || quote == "" {
		return PriceQuote{}, fmt.Errorf("oracle: empty pair: %w", common.ErrInvalidData)
	}
	if base == quote {
		return PriceQuote{Rate: big.NewRat(1, 1), Timestamp: a.now(), Source: "identity"}, nil
	}

	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	oracles := make(map[string]PriceOracle, len(a.oracles))
	for name, o := range a.oracles {
		oracles[name] = o
	}
	maxAge := a.maxAge
	a.mu.RUnlock()

	now := a.now()
	for _, name := range priority {
		source, ok := oracles[name]
		if !ok || source == nil {
			continue
		}
		qt, err := source.GetRate(base, quote)
		if err != nil || qt.Rate == nil || qt.Rate.Sign() <= 0 {
			continue
		}
		if maxAge > 0 && now.Sub(qt.Timestamp) > maxAge {
			continue
		}
		if qt.Source == "" {
			qt.Source = name
		}
		return qt.Clone(), nil
	}
	return PriceQuote{}, fmt.Errorf("oracle: no fresh quote for %s/%s: %w", base, quote, common.ErrMissingOracle)
}

// HasFeed reports whether a fresh quote is currently obtainable for the pair.
func (a *Aggregator) HasFeed(base, quote string) bool {
	if a == nil {
		return false
	}
	if normalizeToken(base) == normalizeToken(quote) && normalizeToken(base) != "" {
		return true
	}
	_, err := a.GetRate(base, quote)
	return err == nil
}

// Convert translates amount from the base denomination into the quote
// denomination using the rate reported by the highest-priority fresh feed.
// The result is floored to an integer amount.
func (a *Aggregator) Convert(base string, amount *big.Int, quote string) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("oracle: negative amount: %w", common.ErrInvalidData)
	}
	if amount.Sign() == 0 {
		return big.NewInt(0), nil
	}
	qt, err := a.GetRate(base, quote)
	if err != nil {
		return nil, err
	}
	scaled := new(big.Rat).Mul(qt.Rate, new(big.Rat).SetInt(amount))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

func (a *Aggregator) now() time.Time {
	a.mu.RLock()
	fn := a.nowFn
	a.mu.RUnlock()
	if fn == nil {
		return time.Now()
	}
	return fn()
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
