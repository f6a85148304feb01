package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ethcommon "github.com/ethereum/go-ethereum/common"

	nativecommon "allocvault/native/common"
	"allocvault/native/router"
	"allocvault/observability"
)

func (s *service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/vault", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Get("/price", s.handlePrice)
		r.Get("/balance/{address}", s.handleBalance)
		r.Get("/requests/{id}", s.handleRequest)
		r.Post("/deposit", s.handleDeposit)
		r.Post("/mint", s.handleMint)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/redeem", s.handleRedeem)
		r.Post("/transfer", s.handleTransfer)
		r.Post("/request-withdraw", s.handleRequestWithdraw)
		r.Post("/claim", s.handleClaim)
		r.Post("/cancel", s.handleCancel)
		r.Post("/collect-fees", s.handleCollectFees)
	})
	r.Route("/v1/router", func(r chi.Router) {
		r.Post("/invest", s.handleInvest)
		r.Post("/liquidate", s.handleLiquidate)
		r.Post("/harvest", s.handleHarvest)
	})
	return r
}

func (s *service) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		observability.HTTPMetrics().Observe(route, ww.Status(), time.Since(start))
	})
}

// --- request/response shapes ---

type amountRequest struct {
	Caller   string `json:"caller"`
	Amount   string `json:"amount"`
	Shares   string `json:"shares"`
	Receiver string `json:"receiver"`
	To       string `json:"to"`
	ID       string `json:"id"`
}

type routerRequest struct {
	Caller       string   `json:"caller"`
	Amount       string   `json:"amount"`
	MinOut       string   `json:"minOut"`
	Panic        bool     `json:"panic"`
	Instructions []string `json:"instructions"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, nativecommon.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrInvalidData):
		return http.StatusBadRequest
	case errors.Is(err, nativecommon.ErrAmountTooLow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, nativecommon.ErrInsufficientLiquidity):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrMissingOracle),
		errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

func parseAddress(s string) ([20]byte, error) {
	if !ethcommon.IsHexAddress(s) {
		return [20]byte{}, errors.New("malformed address")
	}
	return ethcommon.HexToAddress(s), nil
}

func parsePositiveAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, errors.New("malformed amount")
	}
	return v, nil
}

func parseRequestID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, errors.New("malformed request id")
	}
	copy(id[:], raw)
	return id, nil
}

// --- vault handlers ---

func (s *service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.vault.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := s.manager.PendingRequests()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"baseToken":       s.cfg.Vault.BaseToken,
		"totalSupply":     snap.TotalSupply.String(),
		"totalAssets":     snap.TotalAssets.String(),
		"idleCash":        snap.IdleCash.String(),
		"invested":        snap.Invested.String(),
		"accruedFees":     snap.AccruedFees.String(),
		"reservedPayout":  snap.ReservedPayout.String(),
		"escrowedShares":  snap.EscrowedShares.String(),
		"pendingRequests": len(pending),
	})
}

func (s *service) handlePrice(w http.ResponseWriter, _ *http.Request) {
	price, err := s.vault.SharePrice()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sharePriceRay": price.String()})
}

func (s *service) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	balance, err := s.vault.BalanceOf(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": balance.String()})
}

func (s *service) handleRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req, err := s.vault.Request(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if req == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             hex.EncodeToString(req.ID[:]),
		"owner":          ethcommon.Address(req.Owner).Hex(),
		"shares":         req.Shares.String(),
		"snapshotPrice":  req.SnapshotPrice.String(),
		"requestedAt":    req.RequestedAt,
		"claimableAfter": req.ClaimableAfter,
		"reservedAmount": req.ReservedAmount.String(),
		"status":         req.Status.String(),
	})
}

func (s *service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	from, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	receiver := from
	if body.Receiver != "" {
		if receiver, err = parseAddress(body.Receiver); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	amount, err := parsePositiveAmount(body.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	minted, err := s.vault.Deposit(from, amount, receiver)
	observability.VaultMetrics().RecordOperation("deposit", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"sharesMinted": minted.String()})
}

func (s *service) handleMint(w http.ResponseWriter, r *http.Request) {
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	from, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	receiver := from
	if body.Receiver != "" {
		if receiver, err = parseAddress(body.Receiver); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	shares, err := parsePositiveAmount(body.Shares)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	charged, err := s.vault.Mint(from, shares, receiver)
	observability.VaultMetrics().RecordOperation("mint", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"amountCharged": charged.String()})
}

func (s *service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	owner, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	receiver := owner
	if body.Receiver != "" {
		if receiver, err = parseAddress(body.Receiver); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	amount, err := parsePositiveAmount(body.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	paid, err := s.vault.Withdraw(owner, amount, receiver)
	observability.VaultMetrics().RecordOperation("withdraw", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"amountPaid": paid.String()})
}

func (s *service) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	owner, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	receiver := owner
	if body.Receiver != "" {
		if receiver, err = parseAddress(body.Receiver); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	shares, err := parsePositiveAmount(body.Shares)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	paid, err := s.vault.Redeem(owner, shares, receiver)
	observability.VaultMetrics().RecordOperation("redeem", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"amountPaid": paid.String()})
}

func (s *service) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	from, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	to, err := parseAddress(body.To)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	shares, err := parsePositiveAmount(body.Shares)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.vault.Transfer(from, to, shares); err != nil {
		observability.VaultMetrics().RecordOperation("transfer", err)
		writeError(w, err)
		return
	}
	observability.VaultMetrics().RecordOperation("transfer", nil)
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *service) handleRequestWithdraw(w http.ResponseWriter, r *http.Request) {
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	owner, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	shares, err := parsePositiveAmount(body.Shares)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := s.vault.RequestWithdraw(owner, shares)
	observability.VaultMetrics().RecordOperation("request_withdraw", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"requestId": hex.EncodeToString(id[:])})
}

func (s *service) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	owner, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	receiver := owner
	if body.Receiver != "" {
		if receiver, err = parseAddress(body.Receiver); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	id, err := parseRequestID(body.ID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	paid, err := s.vault.Claim(owner, id, receiver)
	observability.VaultMetrics().RecordOperation("claim", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"amountPaid": paid.String()})
}

func (s *service) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	owner, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id, err := parseRequestID(body.ID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.vault.CancelRequest(owner, id); err != nil {
		observability.VaultMetrics().RecordOperation("cancel_request", err)
		writeError(w, err)
		return
	}
	observability.VaultMetrics().RecordOperation("cancel_request", nil)
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *service) handleCollectFees(w http.ResponseWriter, r *http.Request) {
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	recipient := caller
	if body.Receiver != "" {
		if recipient, err = parseAddress(body.Receiver); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	collected, err := s.vault.CollectFees(caller, recipient)
	observability.VaultMetrics().RecordOperation("collect_fees", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"collected": collected.String()})
}

// --- router handlers ---

func (s *service) routerInstructions(supplied []string) [][]byte {
	out := make([][]byte, len(s.inputs))
	for i := range s.inputs {
		if i < len(supplied) && supplied[i] != "" {
			out[i] = []byte(supplied[i])
			continue
		}
		if s.inputs[i].Token != s.cfg.Vault.BaseToken {
			out[i] = router.EncodeInstruction(big.NewInt(0))
		}
	}
	return out
}

func (s *service) harvestInstructions(supplied []string) [][]byte {
	tokens := s.positions.RewardTokens()
	out := make([][]byte, len(tokens))
	for i, token := range tokens {
		if i < len(supplied) && supplied[i] != "" {
			out[i] = []byte(supplied[i])
			continue
		}
		if token != s.cfg.Vault.BaseToken {
			out[i] = router.EncodeInstruction(big.NewInt(0))
		}
	}
	return out
}

func (s *service) handleInvest(w http.ResponseWriter, r *http.Request) {
	var body routerRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount, err := parsePositiveAmount(body.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var minOut *big.Int
	if body.MinOut != "" {
		if minOut, err = parsePositiveAmount(body.MinOut); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	err = s.router.Invest(caller, amount, minOut, s.routerInstructions(body.Instructions))
	observability.VaultMetrics().RecordOperation("invest", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *service) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var body routerRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount, err := parsePositiveAmount(body.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var minOut *big.Int
	if body.MinOut != "" {
		if minOut, err = parsePositiveAmount(body.MinOut); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	err = s.router.Liquidate(caller, amount, minOut, body.Panic, s.routerInstructions(body.Instructions))
	observability.VaultMetrics().RecordOperation("liquidate", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *service) handleHarvest(w http.ResponseWriter, r *http.Request) {
	var body routerRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress(body.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	err = s.router.Harvest(caller, s.harvestInstructions(body.Instructions))
	observability.VaultMetrics().RecordOperation("harvest", err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.commit()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
