package leverage

import (
	"errors"
	"math/big"
	"testing"

	"allocvault/native/adapter"
	nativecommon "allocvault/native/common"
	"allocvault/native/vault"
)

var levAdmin = func() [20]byte {
	var addr [20]byte
	addr[19] = 0xAA
	return addr
}()

// flashProvider issues loans unconditionally and relies on the overlay's own
// settlement check, mirroring how the vault journal reverts failed cycles.
type flashProvider struct {
	feeBps  uint64
	borrows int
}

func (p *flashProvider) FlashBorrow(b vault.FlashBorrower, token string, amount *big.Int, data []byte) error {
	p.borrows++
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(p.feeBps))
	fee.Quo(fee, basisPoints)
	return b.OnFlashLoan(token, new(big.Int).Set(amount), fee, data)
}

func (p *flashProvider) FlashFeeBps() (uint64, error) { return p.feeBps, nil }

// skippingProvider returns success without ever invoking the callback.
type skippingProvider struct{}

func (skippingProvider) FlashBorrow(vault.FlashBorrower, string, *big.Int, []byte) error {
	return nil
}

func (skippingProvider) FlashFeeBps() (uint64, error) { return 0, nil }

type rateSwapper struct {
	num, den int64
}

func (s *rateSwapper) Swap(inputToken, outputToken string, amount *big.Int, instruction []byte) (*big.Int, *big.Int, error) {
	received := new(big.Int).Mul(amount, big.NewInt(s.num))
	received.Quo(received, big.NewInt(s.den))
	return received, new(big.Int).Set(amount), nil
}

type identityConverter struct{}

func (identityConverter) Convert(base string, amount *big.Int, quote string) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

func (identityConverter) HasFeed(base, quote string) bool { return true }

func pairInstructions() StaticInstructionSource {
	src := StaticInstructionSource{}
	src.Register("debt", "prime", []byte(`{"minOut":"0"}`))
	src.Register("prime", "debt", []byte(`{"minOut":"0"}`))
	return src
}

func newTestOverlay(t *testing.T, target, haircut uint64) (*Overlay, *adapter.LendingMarket, *adapter.MemoryVenue, *flashProvider, *rateSwapper) {
	t.Helper()
	venue := adapter.NewMemoryVenue()
	inner, err := adapter.NewLendingMarket(venue, []string{"prime", "extra"})
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	overlay := NewOverlay(inner, 0, "prime", "debt")
	provider := &flashProvider{}
	swapper := &rateSwapper{num: 1, den: 1}
	overlay.SetMarket(venue)
	overlay.SetLoanProvider(provider)
	overlay.SetSwapper(swapper)
	overlay.SetOracle(identityConverter{})
	overlay.SetInstructionSource(pairInstructions())
	overlay.SetAdmin(levAdmin)
	if target > 0 {
		if err := overlay.SetParams(levAdmin, Params{TargetLeverage: target, HaircutBps: haircut}); err != nil {
			t.Fatalf("set params: %v", err)
		}
	}
	return overlay, inner, venue, provider, swapper
}

func checkValue(t *testing.T, name string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s = %v, want %d", name, got, want)
	}
}

func TestParamsValidation(t *testing.T) {
	overlay, _, venue, _, _ := newTestOverlay(t, 0, 0)
	if err := overlay.SetParams(levAdmin, Params{TargetLeverage: 99}); !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("target below 1x: err = %v, want invalid data", err)
	}
	if err := overlay.SetParams(levAdmin, Params{TargetLeverage: 200, HaircutBps: 20_000}); !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("haircut consumes target: err = %v, want invalid data", err)
	}
	// The default venue LTV of 75% bounds leverage below 4x.
	if err := overlay.SetParams(levAdmin, Params{TargetLeverage: 400}); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("target above venue bound: err = %v, want unauthorized", err)
	}
	if err := overlay.SetParams(levAdmin, Params{TargetLeverage: 399}); err != nil {
		t.Fatalf("target at venue bound: %v", err)
	}
	var outsider [20]byte
	outsider[19] = 0x01
	if err := overlay.SetParams(outsider, Params{TargetLeverage: 200}); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("non-admin: err = %v, want unauthorized", err)
	}
	venue.SetCollateralFactor(10_000)
	if err := overlay.SetParams(levAdmin, Params{TargetLeverage: 200}); !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("full LTV venue: err = %v, want invalid data", err)
	}
}

func TestLeveredStakeOpensTwoLegPosition(t *testing.T) {
	overlay, inner, venue, provider, _ := newTestOverlay(t, 300, 0)
	if err := overlay.Stake(0, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if provider.borrows != 1 {
		t.Fatalf("flash borrows = %d, want 1", provider.borrows)
	}
	collateral, err := inner.InvestedValue(0)
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	checkValue(t, "collateral", collateral, 300)
	debt, err := venue.DebtOf("debt")
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	checkValue(t, "debt", debt, 200)
	net, err := overlay.InvestedValue(0)
	if err != nil {
		t.Fatalf("net value: %v", err)
	}
	checkValue(t, "net value", net, 100)
}

func TestHaircutShavesBorrowedLeg(t *testing.T) {
	overlay, inner, venue, _, _ := newTestOverlay(t, 300, 200)
	if err := overlay.Stake(0, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	collateral, err := inner.InvestedValue(0)
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	checkValue(t, "collateral", collateral, 296)
	debt, err := venue.DebtOf("debt")
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	checkValue(t, "debt", debt, 196)
	net, err := overlay.InvestedValue(0)
	if err != nil {
		t.Fatalf("net value: %v", err)
	}
	checkValue(t, "net value", net, 100)
}

func TestUnleveredTargetPassesThrough(t *testing.T) {
	overlay, inner, venue, provider, _ := newTestOverlay(t, 0, 0)
	if err := overlay.Stake(0, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if provider.borrows != 0 {
		t.Fatalf("flash borrows = %d, want 0", provider.borrows)
	}
	collateral, err := inner.InvestedValue(0)
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	checkValue(t, "collateral", collateral, 100)
	debt, err := venue.DebtOf("debt")
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	checkValue(t, "debt", debt, 0)

	released, err := overlay.Unstake(0, big.NewInt(40))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	checkValue(t, "released", released, 40)
}

func TestNonPrimaryIndexPassesThrough(t *testing.T) {
	overlay, inner, venue, provider, _ := newTestOverlay(t, 300, 0)
	if err := overlay.Stake(1, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if provider.borrows != 0 {
		t.Fatalf("flash borrows = %d, want 0", provider.borrows)
	}
	value, err := inner.InvestedValue(1)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	checkValue(t, "value", value, 100)
	debt, err := venue.DebtOf("debt")
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	checkValue(t, "debt", debt, 0)
}

func TestPartialUnstakeClosesProportionally(t *testing.T) {
	overlay, inner, venue, _, _ := newTestOverlay(t, 300, 0)
	if err := overlay.Stake(0, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	released, err := overlay.Unstake(0, big.NewInt(50))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	checkValue(t, "released", released, 50)
	collateral, err := inner.InvestedValue(0)
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	checkValue(t, "collateral", collateral, 150)
	debt, err := venue.DebtOf("debt")
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	checkValue(t, "debt", debt, 100)
	net, err := overlay.InvestedValue(0)
	if err != nil {
		t.Fatalf("net value: %v", err)
	}
	checkValue(t, "net value", net, 50)
}

func TestFullUnstakeCapsAtNetValue(t *testing.T) {
	overlay, inner, venue, _, _ := newTestOverlay(t, 300, 0)
	if err := overlay.Stake(0, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	released, err := overlay.Unstake(0, big.NewInt(100_000))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	checkValue(t, "released", released, 100)
	collateral, err := inner.InvestedValue(0)
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	checkValue(t, "collateral", collateral, 0)
	debt, err := venue.DebtOf("debt")
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	checkValue(t, "debt", debt, 0)
}

func TestFlashFeeComesOutOfRelease(t *testing.T) {
	overlay, _, _, provider, _ := newTestOverlay(t, 300, 0)
	if err := overlay.Stake(0, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	provider.feeBps = 100
	released, err := overlay.Unstake(0, big.NewInt(50))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	checkValue(t, "released", released, 49)
}

func TestEntryShortfallFailsCycle(t *testing.T) {
	overlay, _, _, _, swapper := newTestOverlay(t, 300, 0)
	swapper.num, swapper.den = 90, 100
	err := overlay.Stake(0, big.NewInt(100))
	if !errors.Is(err, nativecommon.ErrAmountTooLow) {
		t.Fatalf("lossy entry: err = %v, want amount too low", err)
	}
}

func TestEntrySurplusIsRedepositedAboveDust(t *testing.T) {
	overlay, inner, _, _, swapper := newTestOverlay(t, 300, 0)
	swapper.num, swapper.den = 110, 100
	if err := overlay.Stake(0, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	// 200 borrowed swaps into 220; the 20 surplus compounds as collateral.
	collateral, err := inner.InvestedValue(0)
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	checkValue(t, "collateral", collateral, 320)
}

func TestEntrySurplusBelowDustHeldIdle(t *testing.T) {
	overlay, inner, _, _, swapper := newTestOverlay(t, 300, 0)
	if err := overlay.SetDustThreshold(levAdmin, big.NewInt(50)); err != nil {
		t.Fatalf("set dust: %v", err)
	}
	swapper.num, swapper.den = 110, 100
	if err := overlay.Stake(0, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	collateral, err := inner.InvestedValue(0)
	if err != nil {
		t.Fatalf("collateral: %v", err)
	}
	checkValue(t, "collateral", collateral, 300)
}

func TestMissingInstructionFailsCycle(t *testing.T) {
	overlay, _, _, _, _ := newTestOverlay(t, 300, 0)
	src := StaticInstructionSource{}
	src.Register("prime", "debt", []byte(`{"minOut":"0"}`))
	overlay.SetInstructionSource(src)
	err := overlay.Stake(0, big.NewInt(100))
	if !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("missing instruction: err = %v, want invalid data", err)
	}
}

func TestSkippedCallbackDetected(t *testing.T) {
	overlay, _, _, _, _ := newTestOverlay(t, 300, 0)
	overlay.SetLoanProvider(skippingProvider{})
	err := overlay.Stake(0, big.NewInt(100))
	if !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("skipped callback: err = %v, want invalid data", err)
	}
}

func TestUnsolicitedCallbackRejected(t *testing.T) {
	overlay, _, _, _, _ := newTestOverlay(t, 300, 0)
	err := overlay.OnFlashLoan("prime", big.NewInt(100), big.NewInt(0), []byte("rogue"))
	if !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("unsolicited callback: err = %v, want unauthorized", err)
	}
}

func TestInstructionSourceLookup(t *testing.T) {
	src := StaticInstructionSource{}
	src.Register("a", "b", []byte("x"))
	instr, err := src.Build("a", "b")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if string(instr) != "x" {
		t.Fatalf("instruction = %q, want x", instr)
	}
	if _, err := src.Build("b", "a"); !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("unknown pair: err = %v, want invalid data", err)
	}
}
