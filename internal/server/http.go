package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DefiLedger/internal/amm"
	"DefiLedger/internal/command"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/query"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Submitter assigns a partition-local source sequence and hands the
// built command to the core. Satisfied by ingestion.CommandSubmitter.
type Submitter interface {
	Submit(ctx context.Context, partition string, build func(sourceSeq int64) command.Command) (command.Command, error)
}

// Queries is the read surface the API serves from projections.
// Satisfied by query.QueryService.
type Queries interface {
	GetBalances(ctx context.Context, account uuid.UUID) ([]query.BalanceEntry, error)
	GetStakeAccount(ctx context.Context, account uuid.UUID) (*query.StakeAccountResponse, error)
	GetStakingState(ctx context.Context) (*query.StakingStateResponse, error)
	GetPool(ctx context.Context) (*query.PoolResponse, error)
	GetPrices(ctx context.Context) (*query.PricesResponse, error)
	QuoteSwap(ctx context.Context, tokenIn string, amountIn *big.Int) (*query.SwapQuoteResponse, error)
	QuoteLiquidity(ctx context.Context, tokenIn string, amountIn *big.Int) (*query.LiquidityQuoteResponse, error)
	GetLiquidityProvider(ctx context.Context, account uuid.UUID) (*query.ProviderResponse, error)
	GetHistory(ctx context.Context, account *uuid.UUID, kind *string, limit int, beforeSequence *int64) ([]query.HistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// HTTPServer is the JSON command-and-query surface. Writes are
// fire-and-forget: a POST validates, assigns command id and server
// timestamp, enqueues to the core, and answers 202 with the id the
// caller can later find in its history feed.
type HTTPServer struct {
	submitter Submitter
	queries   Queries
	health    *observability.HealthChecker
	logger    zerolog.Logger
}

func NewHTTPServer(submitter Submitter, queries Queries, health *observability.HealthChecker) *HTTPServer {
	return &HTTPServer{
		submitter: submitter,
		queries:   queries,
		health:    health,
		logger:    observability.NewLogger("http"),
	}
}

func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/staking", func(r chi.Router) {
			r.Post("/stake", s.postStake)
			r.Post("/withdraw", s.postWithdraw)
			r.Post("/claim", s.postClaim)
			r.Post("/loan", s.postTakeLoan)
			r.Post("/repay", s.postRepayLoan)
			r.Post("/emergency-withdraw", s.postEmergencyWithdraw)
			r.Get("/accounts/{id}", s.getStakeAccount)
			r.Get("/state", s.getStakingState)
		})
		r.Route("/amm", func(r chi.Router) {
			r.Post("/liquidity/provide", s.postProvideLiquidity)
			r.Post("/liquidity/remove", s.postRemoveLiquidity)
			r.Post("/swap", s.postSwap)
			r.Get("/pool", s.getPool)
			r.Get("/prices", s.getPrices)
			r.Get("/quote/swap", s.getSwapQuote)
			r.Get("/quote/liquidity", s.getLiquidityQuote)
			r.Get("/providers/{id}", s.getProvider)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reward-rate", s.postRewardRate)
			r.Post("/interest-rate", s.postInterestRate)
			r.Post("/pause", s.postPause)
			r.Post("/unpause", s.postUnpause)
			r.Get("/integrity", s.getIntegrity)
		})
		r.Route("/tokens", func(r chi.Router) {
			r.Post("/deposit", s.postDeposit)
			r.Post("/approve", s.postApprove)
			r.Get("/balances/{id}", s.getBalances)
		})
		r.Get("/accounts/{id}/history", s.getHistory)
	})

	return r
}

// --- Command handlers ---

type accountAmountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type accountRequest struct {
	Account string `json:"account"`
}

func (s *HTTPServer) postStake(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, amount, err := parseAccountAmount(req.Account, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionStaking, func(seq int64) command.Command {
		return &command.Stake{CommandID: uuid.New(), Account: account, Amount: amount, Sequence: seq, Time: time.Now().UTC()}
	})
}

func (s *HTTPServer) postWithdraw(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, amount, err := parseAccountAmount(req.Account, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionStaking, func(seq int64) command.Command {
		return &command.Withdraw{CommandID: uuid.New(), Account: account, Amount: amount, Sequence: seq, Time: time.Now().UTC()}
	})
}

func (s *HTTPServer) postClaim(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionStaking, func(seq int64) command.Command {
		return &command.ClaimRewards{CommandID: uuid.New(), Account: account, Sequence: seq, Time: time.Now().UTC()}
	})
}

func (s *HTTPServer) postTakeLoan(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, amount, err := parseAccountAmount(req.Account, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionStaking, func(seq int64) command.Command {
		return &command.TakeLoan{CommandID: uuid.New(), Account: account, Amount: amount, Sequence: seq, Time: time.Now().UTC()}
	})
}

func (s *HTTPServer) postRepayLoan(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, amount, err := parseAccountAmount(req.Account, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionStaking, func(seq int64) command.Command {
		return &command.RepayLoan{CommandID: uuid.New(), Account: account, Amount: amount, Sequence: seq, Time: time.Now().UTC()}
	})
}

func (s *HTTPServer) postEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionStaking, func(seq int64) command.Command {
		return &command.EmergencyWithdraw{CommandID: uuid.New(), Account: account, Sequence: seq, Time: time.Now().UTC()}
	})
}

type provideLiquidityRequest struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

func (s *HTTPServer) postProvideLiquidity(w http.ResponseWriter, r *http.Request) {
	var req provideLiquidityRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, amount, err := parseAccountAmount(req.Account, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Token == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	s.submit(w, r, command.PartitionAMM, func(seq int64) command.Command {
		return &command.ProvideLiquidity{CommandID: uuid.New(), Account: account, Token: req.Token, Amount: amount, Sequence: seq, Time: time.Now().UTC()}
	})
}

type removeLiquidityRequest struct {
	Account string `json:"account"`
	Shares  string `json:"shares"`
}

func (s *HTTPServer) postRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req removeLiquidityRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, shares, err := parseAccountAmount(req.Account, req.Shares)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionAMM, func(seq int64) command.Command {
		return &command.RemoveLiquidity{CommandID: uuid.New(), Account: account, Shares: shares, Sequence: seq, Time: time.Now().UTC()}
	})
}

type swapRequest struct {
	Account      string `json:"account"`
	TokenIn      string `json:"token_in"`
	AmountIn     string `json:"amount_in"`
	MinAmountOut string `json:"min_amount_out,omitempty"`
}

func (s *HTTPServer) postSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, amountIn, err := parseAccountAmount(req.Account, req.AmountIn)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TokenIn == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("token_in is required"))
		return
	}
	var minOut *big.Int
	if req.MinAmountOut != "" {
		minOut, err = parseAmount("min_amount_out", req.MinAmountOut)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	s.submit(w, r, command.PartitionAMM, func(seq int64) command.Command {
		return &command.Swap{CommandID: uuid.New(), Account: account, TokenIn: req.TokenIn, AmountIn: amountIn, MinAmountOut: minOut, Sequence: seq, Time: time.Now().UTC()}
	})
}

type rateRequest struct {
	Account string `json:"account"`
	Rate    string `json:"rate"`
}

func (s *HTTPServer) postRewardRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, rate, err := parseAccountAmount(req.Account, req.Rate)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionAdmin, func(seq int64) command.Command {
		return &command.SetRewardRate{CommandID: uuid.New(), Account: account, Rate: rate, Sequence: seq, Time: time.Now().UTC()}
	})
}

func (s *HTTPServer) postInterestRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, rate, err := parseAccountAmount(req.Account, req.Rate)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionAdmin, func(seq int64) command.Command {
		return &command.SetInterestRate{CommandID: uuid.New(), Account: account, Rate: rate, Sequence: seq, Time: time.Now().UTC()}
	})
}

func (s *HTTPServer) postPause(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionAdmin, func(seq int64) command.Command {
		return &command.Pause{CommandID: uuid.New(), Account: account, Sequence: seq, Time: time.Now().UTC()}
	})
}

func (s *HTTPServer) postUnpause(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, r, command.PartitionAdmin, func(seq int64) command.Command {
		return &command.Unpause{CommandID: uuid.New(), Account: account, Sequence: seq, Time: time.Now().UTC()}
	})
}

type depositRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

func (s *HTTPServer) postDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, amount, err := parseAccountAmount(req.Account, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Asset == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("asset is required"))
		return
	}
	s.submit(w, r, command.PartitionDeposits, func(seq int64) command.Command {
		return &command.Deposit{CommandID: uuid.New(), Account: account, Asset: req.Asset, Amount: amount, Sequence: seq, Time: time.Now().UTC()}
	})
}

type approveRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

func (s *HTTPServer) postApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	spender, err := uuid.Parse(req.Spender)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("spender is not a UUID: %q", req.Spender))
		return
	}
	// Zero is a valid allowance: it revokes.
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() < 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("amount is not a non-negative decimal: %q", req.Amount))
		return
	}
	if req.Asset == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("asset is required"))
		return
	}
	s.submit(w, r, command.PartitionDeposits, func(seq int64) command.Command {
		return &command.Approve{CommandID: uuid.New(), Account: account, Asset: req.Asset, Spender: spender, Amount: amount, Sequence: seq, Time: time.Now().UTC()}
	})
}

// submit hands the built command to the core and answers 202 with the
// assigned command id. The command is not yet applied when the response
// goes out; rejections surface in the account's history feed.
func (s *HTTPServer) submit(w http.ResponseWriter, r *http.Request, partition string, build func(seq int64) command.Command) {
	cmd, err := s.submitter.Submit(r.Context(), partition, build)
	if err != nil {
		s.logger.Error().Err(err).Str("partition", partition).Msg("submit failed")
		s.writeError(w, http.StatusServiceUnavailable, errors.New("command intake unavailable"))
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"command_id": cmd.IdempotencyKey(),
	})
}

// --- Query handlers ---

func (s *HTTPServer) getStakeAccount(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.queries.GetStakeAccount(r.Context(), account)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) getStakingState(w http.ResponseWriter, r *http.Request) {
	resp, err := s.queries.GetStakingState(r.Context())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) getPool(w http.ResponseWriter, r *http.Request) {
	resp, err := s.queries.GetPool(r.Context())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) getPrices(w http.ResponseWriter, r *http.Request) {
	resp, err := s.queries.GetPrices(r.Context())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) getSwapQuote(w http.ResponseWriter, r *http.Request) {
	tokenIn, amountIn, err := quoteParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.queries.QuoteSwap(r.Context(), tokenIn, amountIn)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) getLiquidityQuote(w http.ResponseWriter, r *http.Request) {
	tokenIn, amountIn, err := quoteParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.queries.QuoteLiquidity(r.Context(), tokenIn, amountIn)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) getProvider(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.queries.GetLiquidityProvider(r.Context(), account)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) getBalances(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.queries.GetBalances(r.Context(), account)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"balances": entries})
}

func (s *HTTPServer) getHistory(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var kind *string
	if k := r.URL.Query().Get("kind"); k != "" {
		kind = &k
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("limit is not a positive integer: %q", raw))
			return
		}
	}
	var before *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("before is not an integer: %q", raw))
			return
		}
		before = &seq
	}

	entries, err := s.queries.GetHistory(r.Context(), &account, kind, limit, before)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *HTTPServer) getIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func parseAccount(raw string) (uuid.UUID, error) {
	account, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("account is not a UUID: %q", raw)
	}
	return account, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%s is not a positive decimal: %q", field, raw)
	}
	return amount, nil
}

func parseAccountAmount(rawAccount, rawAmount string) (uuid.UUID, *big.Int, error) {
	account, err := parseAccount(rawAccount)
	if err != nil {
		return uuid.Nil, nil, err
	}
	amount, err := parseAmount("amount", rawAmount)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return account, amount, nil
}

func quoteParams(r *http.Request) (string, *big.Int, error) {
	tokenIn := r.URL.Query().Get("token_in")
	if tokenIn == "" {
		return "", nil, errors.New("token_in is required")
	}
	amountIn, err := parseAmount("amount_in", r.URL.Query().Get("amount_in"))
	if err != nil {
		return "", nil, err
	}
	return tokenIn, amountIn, nil
}

func (s *HTTPServer) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrUnknownToken), errors.Is(err, query.ErrInvalidInput),
		errors.Is(err, amm.ErrInvalidReserves):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, sql.ErrNoRows):
		s.writeError(w, http.StatusNotFound, errors.New("not found"))
	default:
		s.logger.Error().Err(err).Msg("query failed")
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("write response")
	}
}
