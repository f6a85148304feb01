package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"allocvault/native/common"
)

type fixedOracle struct {
	rate      *big.Rat
	timestamp time.Time
	err       error
	calls     int
}

func (o *fixedOracle) GetRate(base, quote string) (PriceQuote, error) {
	o.calls++
	if o.err != nil {
		return PriceQuote{}, o.err
	}
	return PriceQuote{Rate: o.rate, Timestamp: o.timestamp}, nil
}

func TestAggregatorHonorsPriority(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	agg := NewAggregator([]string{"primary", "fallback"}, time.Minute)
	agg.SetNowFunc(func() time.Time { return now })
	primary := &fixedOracle{rate: big.NewRat(2, 1), timestamp: now}
	fallback := &fixedOracle{rate: big.NewRat(3, 1), timestamp: now}
	agg.Register("primary", primary)
	agg.Register("fallback", fallback)

	qt, err := agg.GetRate("alt", "base")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if qt.Rate.Cmp(big.NewRat(2, 1)) != 0 {
		t.Fatalf("rate = %v, want 2", qt.Rate)
	}
	if qt.Source != "primary" {
		t.Fatalf("source = %q, want primary", qt.Source)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback consulted %d times, want 0", fallback.calls)
	}
}

func TestAggregatorFallsBackPastFailures(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	agg := NewAggregator([]string{"primary", "fallback"}, time.Minute)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("primary", &fixedOracle{err: errors.New("upstream down")})
	agg.Register("fallback", &fixedOracle{rate: big.NewRat(3, 1), timestamp: now})

	qt, err := agg.GetRate("alt", "base")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if qt.Source != "fallback" {
		t.Fatalf("source = %q, want fallback", qt.Source)
	}
}

func TestAggregatorRejectsStaleQuotes(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	agg := NewAggregator([]string{"only"}, time.Minute)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("only", &fixedOracle{rate: big.NewRat(2, 1), timestamp: now.Add(-2 * time.Minute)})

	if _, err := agg.GetRate("alt", "base"); !errors.Is(err, common.ErrMissingOracle) {
		t.Fatalf("stale quote: err = %v, want missing oracle", err)
	}
	if agg.HasFeed("alt", "base") {
		t.Fatal("stale feed reported as available")
	}
}

func TestAggregatorIdentityPair(t *testing.T) {
	agg := NewAggregator(nil, time.Minute)
	qt, err := agg.GetRate("base", "base")
	if err != nil {
		t.Fatalf("identity rate: %v", err)
	}
	if qt.Rate.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("identity rate = %v, want 1", qt.Rate)
	}
	if !agg.HasFeed("base", "base") {
		t.Fatal("identity feed reported as unavailable")
	}
}

func TestConvertFloorsResult(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	agg := NewAggregator(nil, time.Minute)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("only", &fixedOracle{rate: big.NewRat(1, 3), timestamp: now})

	out, err := agg.Convert("alt", big.NewInt(100), "base")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out.Cmp(big.NewInt(33)) != 0 {
		t.Fatalf("converted = %v, want 33", out)
	}
	zero, err := agg.Convert("alt", big.NewInt(0), "base")
	if err != nil {
		t.Fatalf("convert zero: %v", err)
	}
	if zero.Sign() != 0 {
		t.Fatalf("converted zero = %v", zero)
	}
	if _, err := agg.Convert("alt", big.NewInt(-1), "base"); !errors.Is(err, common.ErrInvalidData) {
		t.Fatalf("negative amount: err = %v, want invalid data", err)
	}
}

func TestStaticSourceServesPairAndInverse(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	src := NewStaticSource()
	src.SetNowFunc(func() time.Time { return now })
	src.SetRate("alt", "base", big.NewRat(2, 1))

	qt, err := src.GetRate("ALT", "BASE")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if qt.Rate.Cmp(big.NewRat(2, 1)) != 0 {
		t.Fatalf("rate = %v, want 2", qt.Rate)
	}
	if !qt.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want %v", qt.Timestamp, now)
	}
	inverse, err := src.GetRate("base", "alt")
	if err != nil {
		t.Fatalf("inverse rate: %v", err)
	}
	if inverse.Rate.Cmp(big.NewRat(1, 2)) != 0 {
		t.Fatalf("inverse rate = %v, want 1/2", inverse.Rate)
	}
	if _, err := src.GetRate("alt", "other"); !errors.Is(err, common.ErrMissingOracle) {
		t.Fatalf("unknown pair: err = %v, want missing oracle", err)
	}
}

func TestStaticSourceBehindAggregatorStaysFresh(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	agg := NewAggregator(nil, time.Minute)
	agg.SetNowFunc(func() time.Time { return now })
	src := NewStaticSource()
	src.SetNowFunc(func() time.Time { return now })
	src.SetRate("alt", "base", big.NewRat(1, 2))
	agg.Register("static", src)

	out, err := agg.Convert("alt", big.NewInt(100), "base")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("converted = %v, want 50", out)
	}
}
