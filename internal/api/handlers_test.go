package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/meridianfi/lending-backend/internal/assets"
	"github.com/meridianfi/lending-backend/internal/lending"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Mock lending service for testing
type MockService struct {
	mock.Mock
}

func (m *MockService) Deposit(ctx context.Context, user lending.UserID, asset lending.AssetID, amount uint64) (*lending.DepositResult, error) {
	args := m.Called(ctx, user, asset, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lending.DepositResult), args.Error(1)
}

func (m *MockService) Borrow(ctx context.Context, user lending.UserID, asset lending.AssetID, amount uint64) (*lending.BorrowResult, error) {
	args := m.Called(ctx, user, asset, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lending.BorrowResult), args.Error(1)
}

func (m *MockService) Withdraw(ctx context.Context, user lending.UserID, asset lending.AssetID, shares uint64) (*lending.WithdrawResult, error) {
	args := m.Called(ctx, user, asset, shares)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lending.WithdrawResult), args.Error(1)
}

func (m *MockService) Repay(ctx context.Context, user lending.UserID, asset lending.AssetID, amount uint64) (*lending.RepayResult, error) {
	args := m.Called(ctx, user, asset, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lending.RepayResult), args.Error(1)
}

func (m *MockService) Liquidate(ctx context.Context, liquidator, borrower lending.UserID, borrowedAsset, collateralAsset lending.AssetID) (*lending.LiquidateResult, error) {
	args := m.Called(ctx, liquidator, borrower, borrowedAsset, collateralAsset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lending.LiquidateResult), args.Error(1)
}

func (m *MockService) BankState(ctx context.Context, asset lending.AssetID) (lending.Bank, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(lending.Bank), args.Error(1)
}

func (m *MockService) PositionState(ctx context.Context, user lending.UserID) (lending.UserPosition, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(lending.UserPosition), args.Error(1)
}

func (m *MockService) AccountHealth(ctx context.Context, user lending.UserID) (*lending.HealthReport, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lending.HealthReport), args.Error(1)
}

var _ Service = (*MockService)(nil)

// Mock metrics for testing
type MockMetrics struct{}

func (m *MockMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
}

func (m *MockMetrics) RecordInstruction(ctx context.Context, instruction, outcome string, duration time.Duration) {
}

func testRegistry(t *testing.T) *assets.Registry {
	t.Helper()
	reg, err := assets.NewRegistry([]assets.Asset{
		{Symbol: "USDC", Decimals: 6, MaxLTV: 75, LiquidationThreshold: 80, LiquidationBonus: 5, LiquidationCloseFactor: 25},
		{Symbol: "SOL", Decimals: 9, MaxLTV: 65, LiquidationThreshold: 75, LiquidationBonus: 8, LiquidationCloseFactor: 50},
	})
	require.NoError(t, err)
	return reg
}

func createTestHandler(t *testing.T) (*Handler, *MockService) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	mockSvc := &MockService{}
	handler := &Handler{
		svc:      mockSvc,
		registry: testRegistry(t),
		logger:   logger.Sugar(),
		metrics:  &MockMetrics{},
	}
	return handler, mockSvc
}

func requestWithAsset(method, target, asset string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("asset", asset)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func requestWithUser(target, user string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("user", user)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestDeposit_Success(t *testing.T) {
	handler, mockSvc := createTestHandler(t)

	mockSvc.On("Deposit", mock.Anything, lending.UserID("alice"), lending.AssetID("USDC"), uint64(1000)).
		Return(&lending.DepositResult{Asset: "USDC", Amount: 1000, SharesMinted: 1000}, nil)

	body, _ := json.Marshal(InstructionRequest{User: "alice", Amount: "1000"})
	req := requestWithAsset(http.MethodPost, "/v1/banks/USDC/deposit", "USDC", body)
	rr := httptest.NewRecorder()

	handler.Deposit(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var dto InstructionResultDTO
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&dto))
	assert.Equal(t, "alice", dto.User)
	assert.Equal(t, "USDC", dto.Asset)
	assert.Equal(t, "1000", dto.Amount)
	assert.Equal(t, "1000", dto.Shares)

	mockSvc.AssertExpectations(t)
}

func TestDeposit_InvalidBody(t *testing.T) {
	handler, _ := createTestHandler(t)

	testCases := []struct {
		name string
		body string
	}{
		{name: "not json", body: "not-json"},
		{name: "missing user", body: `{"amount":"100"}`},
		{name: "non-numeric amount", body: `{"user":"alice","amount":"abc"}`},
		{name: "negative amount", body: `{"user":"alice","amount":"-5"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := requestWithAsset(http.MethodPost, "/v1/banks/USDC/deposit", "USDC", []byte(tc.body))
			rr := httptest.NewRecorder()

			handler.Deposit(rr, req)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestInstructionErrorMapping(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "zero amount", err: lending.ErrZeroAmount, wantStatus: http.StatusBadRequest, wantCode: "ZERO_AMOUNT"},
		{name: "unknown asset", err: lending.ErrUnsupportedAsset, wantStatus: http.StatusNotFound, wantCode: "UNKNOWN_ASSET"},
		{name: "insufficient collateral", err: lending.ErrInsufficientCollateral, wantStatus: http.StatusUnprocessableEntity, wantCode: "INSUFFICIENT_COLLATERAL"},
		{name: "stale oracle", err: lending.ErrStalePrice, wantStatus: http.StatusServiceUnavailable, wantCode: "ORACLE_UNAVAILABLE"},
		{name: "unexpected", err: assert.AnError, wantStatus: http.StatusInternalServerError, wantCode: "INSTRUCTION_ERROR"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler, mockSvc := createTestHandler(t)
			mockSvc.On("Borrow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Return(nil, tc.err)

			body, _ := json.Marshal(InstructionRequest{User: "alice", Amount: "100"})
			req := requestWithAsset(http.MethodPost, "/v1/banks/SOL/borrow", "SOL", body)
			rr := httptest.NewRecorder()

			handler.Borrow(rr, req)

			require.Equal(t, tc.wantStatus, rr.Code)

			var errResp ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
			assert.Equal(t, tc.wantCode, errResp.Code)
		})
	}
}

func TestWithdraw_ReturnsBurnedShares(t *testing.T) {
	handler, mockSvc := createTestHandler(t)

	mockSvc.On("Withdraw", mock.Anything, lending.UserID("bob"), lending.AssetID("SOL"), uint64(250)).
		Return(&lending.WithdrawResult{Asset: "SOL", Amount: 300, SharesBurned: 250}, nil)

	body, _ := json.Marshal(InstructionRequest{User: "bob", Amount: "250"})
	req := requestWithAsset(http.MethodPost, "/v1/banks/SOL/withdraw", "SOL", body)
	rr := httptest.NewRecorder()

	handler.Withdraw(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var dto InstructionResultDTO
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&dto))
	assert.Equal(t, "300", dto.Amount)
	assert.Equal(t, "250", dto.Shares)
}

func TestLiquidate_Success(t *testing.T) {
	handler, mockSvc := createTestHandler(t)

	mockSvc.On("Liquidate", mock.Anything, lending.UserID("liq"), lending.UserID("bob"), lending.AssetID("USDC"), lending.AssetID("SOL")).
		Return(&lending.LiquidateResult{
			Borrower:        "bob",
			BorrowedAsset:   "USDC",
			CollateralAsset: "SOL",
			RepayAmount:     262,
			SeizeAmount:     275,
		}, nil)

	body, _ := json.Marshal(LiquidationRequest{
		Liquidator:      "liq",
		Borrower:        "bob",
		BorrowedAsset:   "USDC",
		CollateralAsset: "SOL",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/liquidations", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	handler.Liquidate(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var dto LiquidationResultDTO
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&dto))
	assert.Equal(t, "liq", dto.Liquidator)
	assert.Equal(t, "262", dto.RepayAmount)
	assert.Equal(t, "275", dto.SeizeAmount)

	mockSvc.AssertExpectations(t)
}

func TestLiquidate_HealthyPositionIsConflict(t *testing.T) {
	handler, mockSvc := createTestHandler(t)

	mockSvc.On("Liquidate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, lending.ErrPositionHealthy)

	body, _ := json.Marshal(LiquidationRequest{
		Liquidator:      "liq",
		Borrower:        "bob",
		BorrowedAsset:   "USDC",
		CollateralAsset: "SOL",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/liquidations", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	handler.Liquidate(rr, req)

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestGetBank_NotFound(t *testing.T) {
	handler, mockSvc := createTestHandler(t)

	mockSvc.On("BankState", mock.Anything, lending.AssetID("DOGE")).
		Return(lending.Bank{}, lending.ErrUnsupportedAsset)

	req := requestWithAsset(http.MethodGet, "/v1/banks/DOGE", "DOGE", nil)
	rr := httptest.NewRecorder()

	handler.GetBank(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetUserHealth(t *testing.T) {
	handler, mockSvc := createTestHandler(t)

	mockSvc.On("AccountHealth", mock.Anything, lending.UserID("alice")).
		Return(&lending.HealthReport{
			User:               "alice",
			CollateralValue:    uint256.NewInt(100_000_000_000),
			DebtValue:          uint256.NewInt(40_000_000_000),
			WeightedCollateral: uint256.NewInt(80_000_000_000),
			BorrowCapacity:     uint256.NewInt(75_000_000_000),
			Healthy:            true,
		}, nil)

	req := requestWithUser("/v1/users/alice/health", "alice")
	rr := httptest.NewRecorder()

	handler.GetUserHealth(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var dto HealthReportDTO
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&dto))
	assert.Equal(t, "alice", dto.User)
	assert.Equal(t, "100000000000", dto.CollateralValue)
	assert.Equal(t, "40000000000", dto.DebtValue)
	assert.Equal(t, "80000000000", dto.WeightedCollateral)
	assert.Equal(t, "75000000000", dto.BorrowCapacity)
	assert.True(t, dto.Healthy)
}

func TestGetUserHealth_OracleDown(t *testing.T) {
	handler, mockSvc := createTestHandler(t)

	mockSvc.On("AccountHealth", mock.Anything, lending.UserID("alice")).
		Return(nil, lending.ErrStalePrice)

	req := requestWithUser("/v1/users/alice/health", "alice")
	rr := httptest.NewRecorder()

	handler.GetUserHealth(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGetUserPosition_SortsEntries(t *testing.T) {
	handler, mockSvc := createTestHandler(t)

	pos := lending.UserPosition{
		User: "alice",
		Deposits: map[lending.AssetID]lending.AssetPosition{
			"SOL":  {Amount: 5, Shares: 5},
			"USDC": {Amount: 1000, Shares: 1000},
		},
		Borrows: map[lending.AssetID]lending.AssetPosition{},
	}
	mockSvc.On("PositionState", mock.Anything, lending.UserID("alice")).Return(pos, nil)

	req := requestWithUser("/v1/users/alice/position", "alice")
	rr := httptest.NewRecorder()

	handler.GetUserPosition(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var dto PositionDTO
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&dto))
	require.Len(t, dto.Deposits, 2)
	assert.Equal(t, "SOL", dto.Deposits[0].Asset)
	assert.Equal(t, "USDC", dto.Deposits[1].Asset)
	assert.Empty(t, dto.Borrows)
}

func TestListAssets(t *testing.T) {
	handler, _ := createTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/assets", nil)
	rr := httptest.NewRecorder()

	handler.ListAssets(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var dtos []AssetDTO
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&dtos))
	require.Len(t, dtos, 2)

	// Registry order is sorted by symbol.
	assert.Equal(t, "SOL", dtos[0].Symbol)
	assert.Equal(t, "SOLUSDT", dtos[0].FeedSymbol)
	assert.Equal(t, "USDC", dtos[1].Symbol)
	assert.Equal(t, "USDCUSDT", dtos[1].FeedSymbol)
}

func TestHealthz(t *testing.T) {
	handler, _ := createTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	handler.Healthz(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}
