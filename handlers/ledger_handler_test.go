package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Tonytony5278/narc-sub001/internal/testutil"
	"github.com/Tonytony5278/narc-sub001/middleware"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"github.com/Tonytony5278/narc-sub001/services"
	ledgersvc "github.com/Tonytony5278/narc-sub001/services/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testReviewer = &middleware.Claims{Sub: "user-42", Role: models.RoleReviewer}

// MockLedgerService is a mock implementation of LedgerService
type MockLedgerService struct {
	mock.Mock
}

func (m *MockLedgerService) Export(ctx context.Context, filter models.LedgerFilter, actor *models.Actor, rc *models.RequestContext) (*models.LedgerPage, error) {
	args := m.Called(ctx, filter, actor, rc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerPage), args.Error(1)
}

func (m *MockLedgerService) EntityHistory(ctx context.Context, entityType, entityID string, limit, offset int, actor *models.Actor, rc *models.RequestContext) (*models.LedgerPage, error) {
	args := m.Called(ctx, entityType, entityID, limit, offset, actor, rc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerPage), args.Error(1)
}

func (m *MockLedgerService) Verify(ctx context.Context, rng ledgersvc.VerifyRange) (*ledgersvc.VerifyResult, error) {
	args := m.Called(ctx, rng)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledgersvc.VerifyResult), args.Error(1)
}

func ledgerRouter(svc LedgerService, claims *middleware.Claims) chi.Router {
	handler := NewLedgerHandler(svc, zap.NewNop())
	r := chi.NewRouter()
	r.Use(withClaims(claims))
	r.Get("/ledger/entries", handler.HandleExport)
	r.Get("/ledger/entities/{entityType}/{entityId}", handler.HandleEntityHistory)
	r.Get("/ledger/verify", handler.HandleVerify)
	return r
}

func seedLedger(t *testing.T, n int) (*ledgersvc.Service, *testutil.Store) {
	t.Helper()
	store := testutil.NewStore()
	svc := ledgersvc.NewService(store.Repositories().Ledger, zap.NewNop(), ledgersvc.DefaultConfig())
	for i := 0; i < n; i++ {
		_, err := svc.Append(context.Background(), ledgersvc.AppendRequest{
			Actor:      models.Actor{ID: "user-7", Role: models.RoleAnalyst},
			Action:     models.LedgerActionCreation,
			EntityType: models.SafetyEventEntityType,
			EntityID:   fmt.Sprintf("evt-%d", i%2),
			After:      map[string]interface{}{"title": fmt.Sprintf("signal %d", i)},
		}, nil)
		require.NoError(t, err)
	}
	return svc, store
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decodePage(t *testing.T, w *httptest.ResponseRecorder) models.LedgerPage {
	t.Helper()
	var response struct {
		Data models.LedgerPage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response.Data
}

func TestLedgerHandler_Export(t *testing.T) {
	t.Run("filters entries and records the export", func(t *testing.T) {
		svc, store := seedLedger(t, 4)
		tip := store.Entries()[3].Hash

		w := get(ledgerRouter(svc, testReviewer), "/ledger/entries?entity_id=evt-1&limit=10")

		require.Equal(t, http.StatusOK, w.Code)
		page := decodePage(t, w)
		assert.Len(t, page.Entries, 2)
		assert.Equal(t, int64(2), page.Total)
		assert.Equal(t, tip, page.ChainTip)

		entries := store.Entries()
		require.Len(t, entries, 5)
		assert.Equal(t, models.LedgerActionExport, entries[4].Action)
		assert.Equal(t, "user-42", entries[4].ActorID)
		assert.Equal(t, entries[4].Hash, page.ExportHash)
	})

	t.Run("malformed query", func(t *testing.T) {
		svc, _ := seedLedger(t, 0)
		w := get(ledgerRouter(svc, testReviewer), "/ledger/entries?from=yesterday")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "from must be an RFC 3339 timestamp", decodeError(t, w).Message)
	})

	t.Run("unknown action", func(t *testing.T) {
		svc, _ := seedLedger(t, 0)
		w := get(ledgerRouter(svc, testReviewer), "/ledger/entries?action=purge")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("contention surfaces as retryable", func(t *testing.T) {
		m := new(MockLedgerService)
		m.On("Export", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, services.WrapLedgerError(repositories.ErrLedgerLockTimeout))

		w := get(ledgerRouter(m, testReviewer), "/ledger/entries")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		m.AssertExpectations(t)
	})

	t.Run("requires an actor", func(t *testing.T) {
		m := new(MockLedgerService)
		w := get(ledgerRouter(m, nil), "/ledger/entries")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		m.AssertNotCalled(t, "Export")
	})
}

func TestLedgerHandler_EntityHistory(t *testing.T) {
	m := new(MockLedgerService)
	actor := testReviewer.Actor()
	m.On("EntityHistory", mock.Anything, models.SafetyEventEntityType, "evt-9", 5, 10, &actor, mock.Anything).
		Return(&models.LedgerPage{Entries: []*models.LedgerEntry{}, Limit: 5, Offset: 10}, nil)

	w := get(ledgerRouter(m, testReviewer), "/ledger/entities/safety_event/evt-9?limit=5&offset=10")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, decodePage(t, w).Limit)
	m.AssertExpectations(t)

	w = get(ledgerRouter(m, testReviewer), "/ledger/entities/safety_event/evt-9?limit=many")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLedgerHandler_Verify(t *testing.T) {
	decodeResult := func(t *testing.T, w *httptest.ResponseRecorder) ledgersvc.VerifyResult {
		t.Helper()
		var response struct {
			Data ledgersvc.VerifyResult `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		return response.Data
	}

	t.Run("intact chain", func(t *testing.T) {
		svc, _ := seedLedger(t, 5)

		w := get(ledgerRouter(svc, testReviewer), "/ledger/verify")

		require.Equal(t, http.StatusOK, w.Code)
		result := decodeResult(t, w)
		assert.True(t, result.Valid)
		assert.Equal(t, int64(5), result.Checked)
	})

	t.Run("tampered entry is reported, not an error", func(t *testing.T) {
		svc, store := seedLedger(t, 5)
		store.Tamper(3, func(e *models.LedgerEntry) { e.ActorID = "someone-else" })

		w := get(ledgerRouter(svc, testReviewer), "/ledger/verify?from=2&to=5")

		require.Equal(t, http.StatusOK, w.Code)
		result := decodeResult(t, w)
		assert.False(t, result.Valid)
		require.NotNil(t, result.FirstDivergentSequence)
		assert.Equal(t, int64(3), *result.FirstDivergentSequence)
	})

	t.Run("strict mode fails on a tampered entry", func(t *testing.T) {
		svc, store := seedLedger(t, 5)
		store.Tamper(4, func(e *models.LedgerEntry) { e.AfterState = []byte(`{"title":"edited"}`) })

		w := get(ledgerRouter(svc, testReviewer), "/ledger/verify?strict=true")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		response := decodeError(t, w)
		assert.Equal(t, "Ledger integrity check failed", response.Message)
		assert.Equal(t, float64(4), response.Details["first_divergent_sequence"])
		assert.Equal(t, "hash_mismatch", response.Details["reason"])
	})

	t.Run("strict mode on an intact chain", func(t *testing.T) {
		svc, _ := seedLedger(t, 3)
		w := get(ledgerRouter(svc, testReviewer), "/ledger/verify?strict=1")
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decodeResult(t, w).Valid)
	})

	t.Run("malformed strict flag", func(t *testing.T) {
		m := new(MockLedgerService)
		w := get(ledgerRouter(m, testReviewer), "/ledger/verify?strict=sometimes")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		m.AssertNotCalled(t, "Verify")
	})

	t.Run("inverted range", func(t *testing.T) {
		svc, _ := seedLedger(t, 5)
		w := get(ledgerRouter(svc, testReviewer), "/ledger/verify?from=4&to=2")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non numeric bound", func(t *testing.T) {
		m := new(MockLedgerService)
		w := get(ledgerRouter(m, testReviewer), "/ledger/verify?from=first")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		m.AssertNotCalled(t, "Verify")
	})
}
