package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Tonytony5278/narc-sub001/services/alerts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBroker struct {
	connected  bool
	reconnects int64
}

func (b fakeBroker) IsConnected() bool { return b.connected }
func (b fakeBroker) Reconnects() int64 { return b.reconnects }

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response["data"].(map[string]interface{})
}

func TestHandleHealth(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop(), BrokerCheck(fakeBroker{}))

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeHealth(t, w)
	assert.Equal(t, "healthy", data["status"])
	assert.NotEmpty(t, data["timestamp"])
	assert.Nil(t, data["checks"])
}

func TestHandleReadiness(t *testing.T) {
	t.Run("healthy when database answers", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing()

		handler := NewHealthHandler(zap.NewNop(), DatabaseCheck(db), BrokerCheck(fakeBroker{connected: true, reconnects: 2}))
		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeHealth(t, w)
		assert.Equal(t, "healthy", data["status"])
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "healthy", checks["database"])
		assert.Equal(t, "healthy", checks["broker"])
		broker := data["stats"].(map[string]interface{})["broker"].(map[string]interface{})
		assert.Equal(t, true, broker["connected"])
		assert.Equal(t, float64(2), broker["reconnects"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy when ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		handler := NewHealthHandler(zap.NewNop(), DatabaseCheck(db))
		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		data := decodeHealth(t, w)
		assert.Equal(t, "unhealthy", data["status"])
		assert.Equal(t, "unhealthy", data["checks"].(map[string]interface{})["database"])
	})

	t.Run("broker down", func(t *testing.T) {
		handler := NewHealthHandler(zap.NewNop(), BrokerCheck(fakeBroker{reconnects: 5}))
		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unhealthy", decodeHealth(t, w)["checks"].(map[string]interface{})["broker"])
	})

	t.Run("alert queue figures", func(t *testing.T) {
		stats := alerts.Stats{BufferSize: 4, PendingAlerts: 1, WorkerCount: 2, Started: true}
		handler := NewHealthHandler(zap.NewNop(), AlertQueueCheck(func() alerts.Stats { return stats }))

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		queue := decodeHealth(t, w)["stats"].(map[string]interface{})["alerts"].(map[string]interface{})
		assert.Equal(t, float64(1), queue["pending"])
		assert.Equal(t, float64(4), queue["buffer_size"])
		assert.Equal(t, true, queue["started"])

		stats.PendingAlerts = 4
		w = httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unhealthy", decodeHealth(t, w)["checks"].(map[string]interface{})["alerts"])
	})

	t.Run("nil database is skipped", func(t *testing.T) {
		handler := NewHealthHandler(zap.NewNop(), DatabaseCheck(nil))
		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}
