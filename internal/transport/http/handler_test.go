package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/agritrace-io/ledger-service/internal/catalog"
	"github.com/agritrace-io/ledger-service/internal/config"
	"github.com/agritrace-io/ledger-service/internal/directory"
	"github.com/agritrace-io/ledger-service/internal/kv"
	"github.com/agritrace-io/ledger-service/internal/ledger"
	"github.com/agritrace-io/ledger-service/internal/model"
)

func newTestRouter(t *testing.T) (*gin.Engine, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop().Sugar()
	store := kv.NewMemStore()
	led := ledger.New(store, log)
	dir := directory.NewCache(store, 1, time.Millisecond, log)
	require.NoError(t, dir.Bootstrap(context.Background()))

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&catalog.Product{}))
	cat := catalog.NewService(db, led, dir, log)

	r := NewRouter(led, dir, cat, config.RateLimitConfig{RPS: 1000, Burst: 1000}, log)
	return r, led
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:50000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAppendAndQueryEvents(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/events", gin.H{
		"subject_id":     "prod-1",
		"actor_from":     "farmer-1",
		"actor_to":       "dist-1",
		"action":         "TRANSFER",
		"subject_status": "TRANSFERRED",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	w = doJSON(t, r, http.MethodGet, "/v1/subjects/prod-1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []model.EventRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, created.ID, events[0].ID)

	w = doJSON(t, r, http.MethodGet, "/v1/events/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAppendEvent_InvalidDetailsIs400(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/events", gin.H{
		"subject_id":     "prod-1",
		"actor_from":     "w1",
		"actor_to":       "w1",
		"action":         "STOCK_IN",
		"subject_status": "IN_STOCK",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryEvents_EmptyIsOKNotError(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/v1/subjects/unknown/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestStock_UnknownVersusZero(t *testing.T) {
	r, led := newTestRouter(t)
	ctx := context.Background()

	w := doJSON(t, r, http.MethodGet, "/v1/subjects/prod-1/stock", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"known":false}`, w.Body.String())

	_, err := led.Append(ctx, stockRecord("prod-1", model.ActionStockIn, "5"))
	require.NoError(t, err)
	_, err = led.Append(ctx, stockRecord("prod-1", model.ActionStockOut, "5"))
	require.NoError(t, err)

	w = doJSON(t, r, http.MethodGet, "/v1/subjects/prod-1/stock", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"known":true,"quantity":"0"}`, w.Body.String())
}

func TestSettlement_AttachAndLookup(t *testing.T) {
	r, led := newTestRouter(t)

	id, err := led.Append(context.Background(), stockRecord("prod-1", model.ActionStockIn, "5"))
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/v1/events/"+id+"/settlement", gin.H{
		"block_ref":       "block-12",
		"settlement_hash": "0xcafe",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/v1/settlements/0xcafe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.EventRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, id, rec.ID)
}

func TestSettlement_AttachUnknownEventIs404(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/events/nope/settlement", gin.H{
		"block_ref":       "block-12",
		"settlement_hash": "0xcafe",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIdentity_UpsertAndLookup(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPut, "/v1/identities", gin.H{
		"id":    "u1",
		"email": "u1@farm.example",
		"role":  "FARMER",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/v1/identities/u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/identities?email=u1@farm.example", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.IdentityRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "u1", rec.ID)

	w = doJSON(t, r, http.MethodGet, "/v1/identities?email=nobody@farm.example", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProductLifecycleOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)

	// actors first, so the events freeze real roles
	for _, body := range []gin.H{
		{"id": "farmer-1", "email": "f@farm.example", "role": "FARMER"},
		{"id": "dist-1", "email": "d@farm.example", "role": "DISTRIBUTOR"},
	} {
		w := doJSON(t, r, http.MethodPut, "/v1/identities", body)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, r, http.MethodPost, "/v1/products", gin.H{
		"name":       "Olive Oil",
		"owner_id":   "farmer-1",
		"unit_price": "12.50",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p catalog.Product
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))

	w = doJSON(t, r, http.MethodPost, "/v1/products/"+p.ID+"/stock", gin.H{
		"actor_id": "farmer-1",
		"action":   "STOCK_IN",
		"quantity": "40",
		"reason":   "harvest",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/v1/products/"+p.ID+"/transfer", gin.H{
		"from_id": "farmer-1",
		"to_id":   "dist-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/v1/subjects/"+p.ID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []model.EventRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 3)
	var actions []model.ActionType
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	assert.ElementsMatch(t, []model.ActionType{
		model.ActionCreate, model.ActionStockIn, model.ActionTransfer,
	}, actions)
}

func TestPagination(t *testing.T) {
	r, led := newTestRouter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := stockRecord("prod-1", model.ActionStockIn, "1")
		rec.Timestamp = int64(100 + i)
		_, err := led.Append(ctx, rec)
		require.NoError(t, err)
	}

	w := doJSON(t, r, http.MethodGet, "/v1/subjects/prod-1/events?page=2&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []model.EventRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, int64(102), events[0].Timestamp)
	assert.Equal(t, int64(101), events[1].Timestamp)
}

func stockRecord(subject string, action model.ActionType, qty string) *model.EventRecord {
	q, _ := decimal.NewFromString(qty)
	return &model.EventRecord{
		SubjectID:     subject,
		ActorFrom:     "w1",
		ActorTo:       "w1",
		Action:        action,
		SubjectStatus: model.StatusInStock,
		Details:       &model.EventDetails{Quantity: &q, Reason: "test"},
	}
}
