package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/meridianfi/lending-backend/internal/assets"
	"github.com/meridianfi/lending-backend/internal/lending"
	"github.com/meridianfi/lending-backend/internal/store"
	"go.uber.org/zap"
)

// MetricsInterface defines the interface for metrics recording
type MetricsInterface interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
	RecordInstruction(ctx context.Context, instruction, outcome string, duration time.Duration)
}

// Service is the lending engine surface the handlers depend on. The concrete
// implementation is *lending.Engine; tests substitute a mock.
type Service interface {
	Deposit(ctx context.Context, user lending.UserID, asset lending.AssetID, amount uint64) (*lending.DepositResult, error)
	Borrow(ctx context.Context, user lending.UserID, asset lending.AssetID, amount uint64) (*lending.BorrowResult, error)
	Withdraw(ctx context.Context, user lending.UserID, asset lending.AssetID, shares uint64) (*lending.WithdrawResult, error)
	Repay(ctx context.Context, user lending.UserID, asset lending.AssetID, amount uint64) (*lending.RepayResult, error)
	Liquidate(ctx context.Context, liquidator, borrower lending.UserID, borrowedAsset, collateralAsset lending.AssetID) (*lending.LiquidateResult, error)
	BankState(ctx context.Context, asset lending.AssetID) (lending.Bank, error)
	PositionState(ctx context.Context, user lending.UserID) (lending.UserPosition, error)
	AccountHealth(ctx context.Context, user lending.UserID) (*lending.HealthReport, error)
}

// Pinger reports backing-store liveness for readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	svc      Service
	registry *assets.Registry
	cache    *store.Cache
	db       Pinger
	logger   *zap.SugaredLogger
	metrics  MetricsInterface
}

func NewHandler(
	svc Service,
	registry *assets.Registry,
	cache *store.Cache,
	db Pinger,
	logger *zap.SugaredLogger,
	metrics MetricsInterface,
) *Handler {
	return &Handler{
		svc:      svc,
		registry: registry,
		cache:    cache,
		db:       db,
		logger:   logger,
		metrics:  metrics,
	}
}

// Instruction endpoints

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.handleAmountInstruction(w, r, "deposit", func(ctx context.Context, user lending.UserID, asset lending.AssetID, amount uint64) (InstructionResultDTO, error) {
		res, err := h.svc.Deposit(ctx, user, asset, amount)
		if err != nil {
			return InstructionResultDTO{}, err
		}
		return InstructionResultDTO{
			User:   string(user),
			Asset:  string(res.Asset),
			Amount: strconv.FormatUint(res.Amount, 10),
			Shares: strconv.FormatUint(res.SharesMinted, 10),
		}, nil
	})
}

func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	h.handleAmountInstruction(w, r, "borrow", func(ctx context.Context, user lending.UserID, asset lending.AssetID, amount uint64) (InstructionResultDTO, error) {
		res, err := h.svc.Borrow(ctx, user, asset, amount)
		if err != nil {
			return InstructionResultDTO{}, err
		}
		return InstructionResultDTO{
			User:   string(user),
			Asset:  string(res.Asset),
			Amount: strconv.FormatUint(res.Amount, 10),
			Shares: strconv.FormatUint(res.SharesMinted, 10),
		}, nil
	})
}

// Withdraw takes shares, not an amount; the engine converts shares to the
// proportional amount at the current exchange rate.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.handleAmountInstruction(w, r, "withdraw", func(ctx context.Context, user lending.UserID, asset lending.AssetID, shares uint64) (InstructionResultDTO, error) {
		res, err := h.svc.Withdraw(ctx, user, asset, shares)
		if err != nil {
			return InstructionResultDTO{}, err
		}
		return InstructionResultDTO{
			User:   string(user),
			Asset:  string(res.Asset),
			Amount: strconv.FormatUint(res.Amount, 10),
			Shares: strconv.FormatUint(res.SharesBurned, 10),
		}, nil
	})
}

func (h *Handler) Repay(w http.ResponseWriter, r *http.Request) {
	h.handleAmountInstruction(w, r, "repay", func(ctx context.Context, user lending.UserID, asset lending.AssetID, amount uint64) (InstructionResultDTO, error) {
		res, err := h.svc.Repay(ctx, user, asset, amount)
		if err != nil {
			return InstructionResultDTO{}, err
		}
		return InstructionResultDTO{
			User:   string(user),
			Asset:  string(res.Asset),
			Amount: strconv.FormatUint(res.Amount, 10),
			Shares: strconv.FormatUint(res.SharesBurned, 10),
		}, nil
	})
}

func (h *Handler) handleAmountInstruction(
	w http.ResponseWriter,
	r *http.Request,
	instruction string,
	run func(ctx context.Context, user lending.UserID, asset lending.AssetID, value uint64) (InstructionResultDTO, error),
) {
	start := time.Now()

	asset := lending.AssetID(chi.URLParam(r, "asset"))

	var req InstructionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body: "+err.Error())
		return
	}
	if req.User == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user is required")
		return
	}
	value, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a non-negative integer string")
		return
	}

	dto, err := run(r.Context(), lending.UserID(req.User), asset, value)
	if err != nil {
		h.metrics.RecordInstruction(r.Context(), instruction, "error", time.Since(start))
		h.writeInstructionError(w, instruction, err)
		return
	}

	h.metrics.RecordInstruction(r.Context(), instruction, "ok", time.Since(start))
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req LiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body: "+err.Error())
		return
	}
	if req.Liquidator == "" || req.Borrower == "" || req.BorrowedAsset == "" || req.CollateralAsset == "" {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "liquidator, borrower, borrowed_asset and collateral_asset are required")
		return
	}

	res, err := h.svc.Liquidate(r.Context(),
		lending.UserID(req.Liquidator),
		lending.UserID(req.Borrower),
		lending.AssetID(req.BorrowedAsset),
		lending.AssetID(req.CollateralAsset),
	)
	if err != nil {
		h.metrics.RecordInstruction(r.Context(), "liquidate", "error", time.Since(start))
		h.writeInstructionError(w, "liquidate", err)
		return
	}

	h.metrics.RecordInstruction(r.Context(), "liquidate", "ok", time.Since(start))
	h.writeJSON(w, http.StatusOK, LiquidationResultDTO{
		Liquidator:      req.Liquidator,
		Borrower:        string(res.Borrower),
		BorrowedAsset:   string(res.BorrowedAsset),
		CollateralAsset: string(res.CollateralAsset),
		RepayAmount:     strconv.FormatUint(res.RepayAmount, 10),
		SeizeAmount:     strconv.FormatUint(res.SeizeAmount, 10),
	})
}

// Read endpoints

func (h *Handler) ListBanks(w http.ResponseWriter, r *http.Request) {
	dtos := make([]BankDTO, 0, len(h.registry.Assets()))
	for _, asset := range h.registry.Assets() {
		bank, err := h.svc.BankState(r.Context(), asset)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "BANK_STATE_ERROR", err.Error())
			return
		}
		dtos = append(dtos, bankDTO(bank))
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetBank(w http.ResponseWriter, r *http.Request) {
	asset := lending.AssetID(chi.URLParam(r, "asset"))

	bank, err := h.svc.BankState(r.Context(), asset)
	if err != nil {
		if errors.Is(err, lending.ErrUnsupportedAsset) {
			h.writeError(w, http.StatusNotFound, "UNKNOWN_ASSET", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "BANK_STATE_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, bankDTO(bank))
}

func (h *Handler) GetUserPosition(w http.ResponseWriter, r *http.Request) {
	user := lending.UserID(chi.URLParam(r, "user"))

	pos, err := h.svc.PositionState(r.Context(), user)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "POSITION_STATE_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, positionDTO(pos))
}

func (h *Handler) GetUserHealth(w http.ResponseWriter, r *http.Request) {
	user := lending.UserID(chi.URLParam(r, "user"))

	report, err := h.svc.AccountHealth(r.Context(), user)
	if err != nil {
		if errors.Is(err, lending.ErrStalePrice) || errors.Is(err, lending.ErrPriceUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "ORACLE_UNAVAILABLE", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "HEALTH_CHECK_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, HealthReportDTO{
		User:               string(report.User),
		CollateralValue:    report.CollateralValue.Dec(),
		DebtValue:          report.DebtValue.Dec(),
		WeightedCollateral: report.WeightedCollateral.Dec(),
		BorrowCapacity:     report.BorrowCapacity.Dec(),
		Healthy:            report.Healthy,
	})
}

func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	dtos := make([]AssetDTO, 0, len(h.registry.Assets()))
	for _, id := range h.registry.Assets() {
		a, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		dtos = append(dtos, AssetDTO{
			Symbol:               a.Symbol,
			Decimals:             a.Decimals,
			FeedSymbol:           a.FeedSymbol,
			MaxLTV:               a.MaxLTV,
			LiquidationThreshold: a.LiquidationThreshold,
		})
	}
	h.writeJSON(w, http.StatusOK, dtos)
}

// Health endpoints

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", err.Error())
			return
		}
	}
	if h.cache != nil && !h.cache.IsInMemoryMode() {
		if err := h.cache.Ping(ctx); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", err.Error())
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// DTO assembly

func bankDTO(bank lending.Bank) BankDTO {
	return BankDTO{
		Asset:                  string(bank.Asset),
		Decimals:               bank.Decimals,
		TotalDeposits:          strconv.FormatUint(bank.TotalDeposits, 10),
		TotalDepositShares:     strconv.FormatUint(bank.TotalDepositShares, 10),
		TotalBorrows:           strconv.FormatUint(bank.TotalBorrows, 10),
		TotalBorrowShares:      strconv.FormatUint(bank.TotalBorrowShares, 10),
		MaxLTV:                 bank.MaxLTV,
		LiquidationThreshold:   bank.LiquidationThreshold,
		LiquidationBonus:       bank.LiquidationBonus,
		LiquidationCloseFactor: bank.LiquidationCloseFactor,
		AsOf:                   bank.LastUpdated.Unix(),
	}
}

func positionDTO(pos lending.UserPosition) PositionDTO {
	dto := PositionDTO{
		User:     string(pos.User),
		Deposits: assetPositionDTOs(pos.Deposits),
		Borrows:  assetPositionDTOs(pos.Borrows),
		AsOf:     pos.LastUpdated.Unix(),
	}
	return dto
}

func assetPositionDTOs(entries map[lending.AssetID]lending.AssetPosition) []AssetPositionDTO {
	dtos := make([]AssetPositionDTO, 0, len(entries))
	for asset, ap := range entries {
		if ap.Amount == 0 && ap.Shares == 0 {
			continue
		}
		dtos = append(dtos, AssetPositionDTO{
			Asset:  string(asset),
			Amount: strconv.FormatUint(ap.Amount, 10),
			Shares: strconv.FormatUint(ap.Shares, 10),
		})
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].Asset < dtos[j].Asset })
	return dtos
}

// Error mapping

func (h *Handler) writeInstructionError(w http.ResponseWriter, instruction string, err error) {
	status, code := http.StatusInternalServerError, "INSTRUCTION_ERROR"

	switch {
	case errors.Is(err, lending.ErrZeroAmount):
		status, code = http.StatusBadRequest, "ZERO_AMOUNT"
	case errors.Is(err, lending.ErrUnsupportedAsset):
		status, code = http.StatusNotFound, "UNKNOWN_ASSET"
	case errors.Is(err, lending.ErrUnknownUser):
		status, code = http.StatusNotFound, "UNKNOWN_USER"
	case errors.Is(err, lending.ErrInsufficientCollateral):
		status, code = http.StatusUnprocessableEntity, "INSUFFICIENT_COLLATERAL"
	case errors.Is(err, lending.ErrInsufficientShares):
		status, code = http.StatusUnprocessableEntity, "INSUFFICIENT_SHARES"
	case errors.Is(err, lending.ErrInsufficientFunds):
		status, code = http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"
	case errors.Is(err, lending.ErrPositionHealthy):
		status, code = http.StatusConflict, "POSITION_HEALTHY"
	case errors.Is(err, lending.ErrPositionUnhealthy):
		status, code = http.StatusUnprocessableEntity, "POSITION_UNHEALTHY"
	case errors.Is(err, lending.ErrMathOverflow), errors.Is(err, lending.ErrMathUnderflow):
		status, code = http.StatusUnprocessableEntity, "MATH_ERROR"
	case errors.Is(err, lending.ErrStalePrice), errors.Is(err, lending.ErrPriceUnavailable):
		status, code = http.StatusServiceUnavailable, "ORACLE_UNAVAILABLE"
	case errors.Is(err, lending.ErrTransferFailed):
		status, code = http.StatusUnprocessableEntity, "TRANSFER_FAILED"
	}

	h.logger.Warnw("Instruction rejected", "instruction", instruction, "code", code, "error", err)
	h.writeError(w, status, code, err.Error())
}

// Utility methods

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Errorw("API error", "code", code, "message", message, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := ErrorResponse{
		Code:    code,
		Message: message,
	}
	json.NewEncoder(w).Encode(err)
}
