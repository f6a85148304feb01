package router

import (
	"errors"
	"math/big"
	"testing"

	nativecommon "allocvault/native/common"
)

var (
	routerAdmin  = testAddr(0xAA)
	routerKeeper = testAddr(0xCC)
	outsider     = testAddr(0x01)
)

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

type mockLedger struct {
	idle   *big.Int
	keeper [20]byte

	investSpent *big.Int
	investValue *big.Int
	divestValue *big.Int
	divestRecv  *big.Int
	harvested   *big.Int
}

func (m *mockLedger) InvestableIdle() (*big.Int, error) { return new(big.Int).Set(m.idle), nil }

func (m *mockLedger) RecordInvestment(spent, value *big.Int) error {
	m.investSpent = new(big.Int).Set(spent)
	m.investValue = new(big.Int).Set(value)
	m.idle.Sub(m.idle, spent)
	return nil
}

func (m *mockLedger) RecordDivestment(value, received *big.Int) error {
	m.divestValue = new(big.Int).Set(value)
	m.divestRecv = new(big.Int).Set(received)
	m.idle.Add(m.idle, received)
	return nil
}

func (m *mockLedger) RecordHarvest(received *big.Int) error {
	m.harvested = new(big.Int).Set(received)
	return nil
}

func (m *mockLedger) Keeper() [20]byte { return m.keeper }

type mockAdapter struct {
	staked  map[int]*big.Int
	rewards []*big.Int
	tokens  []string
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{staked: make(map[int]*big.Int)}
}

func (m *mockAdapter) position(index int) *big.Int {
	if m.staked[index] == nil {
		m.staked[index] = big.NewInt(0)
	}
	return m.staked[index]
}

func (m *mockAdapter) Stake(index int, amount *big.Int) error {
	m.position(index).Add(m.position(index), amount)
	return nil
}

func (m *mockAdapter) Unstake(index int, amount *big.Int) (*big.Int, error) {
	pos := m.position(index)
	released := new(big.Int).Set(amount)
	if released.Cmp(pos) > 0 {
		released.Set(pos)
	}
	pos.Sub(pos, released)
	return released, nil
}

func (m *mockAdapter) NativeToInput(index int, amount *big.Int) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

func (m *mockAdapter) InputToNative(index int, amount *big.Int) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

func (m *mockAdapter) InvestedValue(index int) (*big.Int, error) {
	return new(big.Int).Set(m.position(index)), nil
}

func (m *mockAdapter) RewardsAvailable() ([]*big.Int, error) {
	out := make([]*big.Int, len(m.rewards))
	for i, r := range m.rewards {
		out[i] = new(big.Int).Set(r)
	}
	return out, nil
}

func (m *mockAdapter) ClaimRewards() ([]*big.Int, error) {
	out, _ := m.RewardsAvailable()
	for i := range m.rewards {
		m.rewards[i] = big.NewInt(0)
	}
	return out, nil
}

func (m *mockAdapter) RewardTokens() []string { return m.tokens }

// mockSwapper converts at a fixed numerator/denominator rate.
type mockSwapper struct {
	num, den int64
	calls    int
}

func (m *mockSwapper) Swap(inputToken, outputToken string, amount *big.Int, instruction []byte) (*big.Int, *big.Int, error) {
	m.calls++
	received := new(big.Int).Mul(amount, big.NewInt(m.num))
	received.Quo(received, big.NewInt(m.den))
	return received, new(big.Int).Set(amount), nil
}

// identityOracle prices every pair one to one.
type identityOracle struct {
	missing map[string]bool
}

func (o *identityOracle) Convert(base string, amount *big.Int, quote string) (*big.Int, error) {
	if o.missing[base+"/"+quote] {
		return nil, nativecommon.ErrMissingOracle
	}
	return new(big.Int).Set(amount), nil
}

func (o *identityOracle) HasFeed(base, quote string) bool {
	return !o.missing[base+"/"+quote]
}

func newTestRouter(t *testing.T, idle int64, inputs []Input) (*Engine, *mockLedger, *mockAdapter, *mockSwapper) {
	t.Helper()
	led := &mockLedger{idle: big.NewInt(idle), keeper: routerKeeper}
	ad := newMockAdapter()
	sw := &mockSwapper{num: 1, den: 1}
	eng := NewEngine("base")
	eng.SetLedger(led)
	eng.SetAdapter(ad)
	eng.SetSwapper(sw)
	eng.SetOracle(&identityOracle{})
	eng.SetAdmin(routerAdmin)
	if err := eng.SetInputs(routerAdmin, inputs); err != nil {
		t.Fatalf("set inputs: %v", err)
	}
	return eng, led, ad, sw
}

func twoInputs() []Input {
	return []Input{
		{Token: "base", WeightBps: 6000},
		{Token: "alt", WeightBps: 4000},
	}
}

func instructionsFor(inputs []Input) [][]byte {
	out := make([][]byte, len(inputs))
	for i, in := range inputs {
		if in.Token != "base" {
			out[i] = EncodeInstruction(nil)
		}
	}
	return out
}

func checkAmount(t *testing.T, name string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s = %v, want %d", name, got, want)
	}
}

func TestSetInputsValidation(t *testing.T) {
	eng := NewEngine("base")
	eng.SetAdmin(routerAdmin)
	if err := eng.SetInputs(outsider, twoInputs()); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("non-admin: err = %v, want unauthorized", err)
	}
	over := []Input{{Token: "a", WeightBps: 6000}, {Token: "b", WeightBps: 4001}}
	if err := eng.SetInputs(routerAdmin, over); !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("overweight: err = %v, want invalid data", err)
	}
	if err := eng.SetInputs(routerAdmin, []Input{{WeightBps: 100}}); !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("missing token: err = %v, want invalid data", err)
	}
	eng.SetOracle(&identityOracle{missing: map[string]bool{"alt/base": true}})
	if err := eng.SetInputs(routerAdmin, twoInputs()); !errors.Is(err, nativecommon.ErrMissingOracle) {
		t.Fatalf("missing feed: err = %v, want missing oracle", err)
	}
	eng.SetOracle(&identityOracle{})
	if err := eng.SetInputs(routerAdmin, twoInputs()); err != nil {
		t.Fatalf("valid inputs: %v", err)
	}
	if got := eng.Inputs(); len(got) != 2 || got[1].Token != "alt" {
		t.Fatalf("inputs = %+v", got)
	}
}

func TestParameterSettersAreAdminOnly(t *testing.T) {
	eng := NewEngine("base")
	eng.SetAdmin(routerAdmin)
	if err := eng.SetSlippage(outsider, 100); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("slippage: err = %v, want unauthorized", err)
	}
	if err := eng.SetSlippage(routerAdmin, 10_001); !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("slippage range: err = %v, want invalid data", err)
	}
	if err := eng.SetDustThreshold(outsider, big.NewInt(1)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("dust: err = %v, want unauthorized", err)
	}
	if err := eng.SetDustThreshold(routerAdmin, nil); !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("nil dust: err = %v, want invalid data", err)
	}
}

func TestInvestSplitsByWeight(t *testing.T) {
	inputs := twoInputs()
	eng, led, ad, _ := newTestRouter(t, 2000, inputs)
	if err := eng.Invest(routerKeeper, big.NewInt(1000), big.NewInt(990), instructionsFor(inputs)); err != nil {
		t.Fatalf("invest: %v", err)
	}
	checkAmount(t, "base position", ad.position(0), 600)
	checkAmount(t, "alt position", ad.position(1), 400)
	checkAmount(t, "recorded spent", led.investSpent, 1000)
	checkAmount(t, "recorded value", led.investValue, 1000)
}

func TestInvestIsKeeperOnly(t *testing.T) {
	inputs := twoInputs()
	eng, _, _, _ := newTestRouter(t, 2000, inputs)
	err := eng.Invest(outsider, big.NewInt(1000), nil, instructionsFor(inputs))
	if !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("invest by outsider: err = %v, want unauthorized", err)
	}
}

func TestInvestExceedingIdleFails(t *testing.T) {
	inputs := twoInputs()
	eng, _, _, _ := newTestRouter(t, 500, inputs)
	err := eng.Invest(routerKeeper, big.NewInt(1000), nil, instructionsFor(inputs))
	if !errors.Is(err, nativecommon.ErrInsufficientLiquidity) {
		t.Fatalf("invest above idle: err = %v, want insufficient liquidity", err)
	}
}

func TestInvestSkipsDustTargets(t *testing.T) {
	inputs := twoInputs()
	eng, led, ad, _ := newTestRouter(t, 2000, inputs)
	if err := eng.SetDustThreshold(routerAdmin, big.NewInt(500)); err != nil {
		t.Fatalf("set dust: %v", err)
	}
	if err := eng.Invest(routerKeeper, big.NewInt(1000), nil, instructionsFor(inputs)); err != nil {
		t.Fatalf("invest: %v", err)
	}
	checkAmount(t, "base position", ad.position(0), 600)
	checkAmount(t, "alt position", ad.position(1), 0)
	checkAmount(t, "recorded spent", led.investSpent, 600)
}

func TestInvestRequiresSwapInstruction(t *testing.T) {
	inputs := twoInputs()
	eng, _, _, _ := newTestRouter(t, 2000, inputs)
	err := eng.Invest(routerKeeper, big.NewInt(1000), nil, nil)
	if !errors.Is(err, nativecommon.ErrInvalidData) {
		t.Fatalf("invest without instructions: err = %v, want invalid data", err)
	}
}

func TestInvestEnforcesUnifiedSlippage(t *testing.T) {
	inputs := twoInputs()
	eng, _, _, sw := newTestRouter(t, 2000, inputs)
	if err := eng.SetSlippage(routerAdmin, 100); err != nil {
		t.Fatalf("set slippage: %v", err)
	}
	sw.num, sw.den = 95, 100
	err := eng.Invest(routerKeeper, big.NewInt(1000), nil, instructionsFor(inputs))
	if !errors.Is(err, nativecommon.ErrAmountTooLow) {
		t.Fatalf("lossy entry: err = %v, want amount too low", err)
	}
	sw.num, sw.den = 995, 1000
	if err := eng.Invest(routerKeeper, big.NewInt(1000), nil, instructionsFor(inputs)); err != nil {
		t.Fatalf("entry within tolerance: %v", err)
	}
}

func TestInvestEnforcesMinimumDeployed(t *testing.T) {
	inputs := twoInputs()
	eng, _, _, _ := newTestRouter(t, 2000, inputs)
	err := eng.Invest(routerKeeper, big.NewInt(1000), big.NewInt(1001), instructionsFor(inputs))
	if !errors.Is(err, nativecommon.ErrAmountTooLow) {
		t.Fatalf("min deployed: err = %v, want amount too low", err)
	}
}

func TestLiquidateUnwindsProportionally(t *testing.T) {
	inputs := twoInputs()
	eng, led, ad, _ := newTestRouter(t, 2000, inputs)
	if err := eng.Invest(routerKeeper, big.NewInt(1000), nil, instructionsFor(inputs)); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if err := eng.Liquidate(routerKeeper, big.NewInt(500), big.NewInt(490), false, instructionsFor(inputs)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	checkAmount(t, "base position", ad.position(0), 300)
	checkAmount(t, "alt position", ad.position(1), 200)
	checkAmount(t, "recorded removed", led.divestValue, 500)
	checkAmount(t, "recorded received", led.divestRecv, 500)
}

func TestLiquidateCapsAtInvested(t *testing.T) {
	inputs := twoInputs()
	eng, led, ad, _ := newTestRouter(t, 2000, inputs)
	if err := eng.Invest(routerKeeper, big.NewInt(1000), nil, instructionsFor(inputs)); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if err := eng.Liquidate(routerKeeper, big.NewInt(5000), nil, false, instructionsFor(inputs)); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	checkAmount(t, "base position", ad.position(0), 0)
	checkAmount(t, "alt position", ad.position(1), 0)
	checkAmount(t, "recorded removed", led.divestValue, 1000)
}

func TestLiquidatePanicWaivesSlippage(t *testing.T) {
	inputs := twoInputs()
	eng, led, ad, sw := newTestRouter(t, 2000, inputs)
	if err := eng.Invest(routerKeeper, big.NewInt(1000), nil, instructionsFor(inputs)); err != nil {
		t.Fatalf("invest: %v", err)
	}
	sw.num, sw.den = 90, 100
	err := eng.Liquidate(routerKeeper, big.NewInt(1000), big.NewInt(990), false, instructionsFor(inputs))
	if !errors.Is(err, nativecommon.ErrAmountTooLow) {
		t.Fatalf("lossy exit: err = %v, want amount too low", err)
	}
	// The journal layer reverts partial exits in production; the bare mock
	// does not, so restore the positions before the panic attempt.
	ad.staked[0] = big.NewInt(600)
	ad.staked[1] = big.NewInt(400)
	if err := eng.Liquidate(routerKeeper, big.NewInt(1000), big.NewInt(990), true, instructionsFor(inputs)); err != nil {
		t.Fatalf("panic exit: %v", err)
	}
	// 600 base out whole, 400 alt at 90%.
	checkAmount(t, "recorded received", led.divestRecv, 960)
}

func TestHarvestSweepsRewards(t *testing.T) {
	inputs := twoInputs()
	eng, led, ad, _ := newTestRouter(t, 2000, inputs)
	ad.tokens = []string{"base", "rwd"}
	ad.rewards = []*big.Int{big.NewInt(50), big.NewInt(30)}
	instr := [][]byte{nil, EncodeInstruction(nil)}
	if err := eng.Harvest(routerKeeper, instr); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	checkAmount(t, "harvested", led.harvested, 80)
	remaining, err := ad.RewardsAvailable()
	if err != nil {
		t.Fatalf("rewards: %v", err)
	}
	checkAmount(t, "remaining base reward", remaining[0], 0)
}

func TestHarvestSkipsDustRewards(t *testing.T) {
	inputs := twoInputs()
	eng, led, ad, sw := newTestRouter(t, 2000, inputs)
	if err := eng.SetDustThreshold(routerAdmin, big.NewInt(100)); err != nil {
		t.Fatalf("set dust: %v", err)
	}
	ad.tokens = []string{"base", "rwd"}
	ad.rewards = []*big.Int{big.NewInt(50), big.NewInt(30)}
	if err := eng.Harvest(routerKeeper, [][]byte{nil, EncodeInstruction(nil)}); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	// Base rewards bypass the dust check; the alt reward is skipped unswapped.
	checkAmount(t, "harvested", led.harvested, 50)
	if sw.calls != 0 {
		t.Fatalf("swap calls = %d, want 0", sw.calls)
	}
}

func TestTotalInvestedPricesPositions(t *testing.T) {
	inputs := twoInputs()
	eng, _, ad, _ := newTestRouter(t, 2000, inputs)
	ad.staked[0] = big.NewInt(600)
	ad.staked[1] = big.NewInt(400)
	total, err := eng.TotalInvested()
	if err != nil {
		t.Fatalf("total invested: %v", err)
	}
	checkAmount(t, "total", total, 1000)
}
