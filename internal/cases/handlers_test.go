package cases

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexbridge/casepay/internal/audit"
	"github.com/lexbridge/casepay/internal/auth"
)

const testAdminSecret = "s3cret"

func setupTestRouter() (*gin.Engine, *Service, *MemoryStore) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	svc := NewService(store, audit.NewMemoryLogger())
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1.Group("", auth.RequireActor()))
	handler.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin(testAdminSecret)))
	return r, svc, store
}

func do(r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var adminHeaders = map[string]string{auth.HeaderAdminSecret: testAdminSecret, auth.HeaderAdminID: "adm_1"}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestHandler_CreateAndGetCase(t *testing.T) {
	r, _, _ := setupTestRouter()
	attorney := map[string]string{auth.HeaderActorID: "atty_1"}

	w := do(r, http.MethodPost, "/v1/cases", map[string]any{"title": "Lease review", "totalAmountCents": 40000}, attorney)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Case Case `json:"case"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "atty_1", resp.Case.AttorneyID)
	assert.Equal(t, EscrowAwaitingFunding, resp.Case.EscrowStatus)

	w = do(r, http.MethodGet, "/v1/cases/"+resp.Case.ID, nil, attorney)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/cases/"+resp.Case.ID, nil, map[string]string{auth.HeaderActorID: "someone"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodGet, "/v1/cases/"+resp.Case.ID, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_UpdateStatus(t *testing.T) {
	r, _, store := setupTestRouter()
	c := seed(t, store, func(c *Case) { c.Status = StatusInProgress })

	w := do(r, http.MethodPost, "/v1/admin/cases/"+c.ID+"/status", map[string]string{"from": "in progress", "to": "completed"}, adminHeaders)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored, _ := store.Get(t.Context(), c.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestHandler_UpdateStatusErrors(t *testing.T) {
	r, _, store := setupTestRouter()
	c := seed(t, store, func(c *Case) { c.Status = StatusDisputed })

	tests := []struct {
		name    string
		path    string
		body    map[string]string
		headers map[string]string
		status  int
		code    string
	}{
		{"invalid edge", "/v1/admin/cases/" + c.ID + "/status", map[string]string{"to": "in_progress"}, adminHeaders, http.StatusBadRequest, "validation_error"},
		{"settlement only", "/v1/admin/cases/" + c.ID + "/status", map[string]string{"to": "closed"}, adminHeaders, http.StatusBadRequest, "validation_error"},
		{"stale from", "/v1/admin/cases/" + c.ID + "/status", map[string]string{"from": "in_progress", "to": "completed"}, adminHeaders, http.StatusConflict, "conflict"},
		{"unknown status", "/v1/admin/cases/" + c.ID + "/status", map[string]string{"to": "paused"}, adminHeaders, http.StatusBadRequest, "validation_error"},
		{"missing to", "/v1/admin/cases/" + c.ID + "/status", map[string]string{}, adminHeaders, http.StatusBadRequest, "invalid_request"},
		{"not found", "/v1/admin/cases/nope/status", map[string]string{"to": "closed"}, adminHeaders, http.StatusNotFound, "not_found"},
		{"not admin", "/v1/admin/cases/" + c.ID + "/status", map[string]string{"to": "closed"}, map[string]string{auth.HeaderAdminSecret: "nope"}, http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}

	stored, _ := store.Get(t.Context(), c.ID)
	assert.Equal(t, StatusDisputed, stored.Status)
}

func TestHandler_AssignAndArchive(t *testing.T) {
	r, _, store := setupTestRouter()
	c := seed(t, store, func(c *Case) { c.Status = StatusOpen; c.ParalegalID = "" })

	w := do(r, http.MethodPost, "/v1/admin/cases/"+c.ID+"/assign", map[string]string{"paralegalId": "para_2"}, adminHeaders)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/admin/cases/"+c.ID+"/archive", map[string]bool{"archived": true}, adminHeaders)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/cases/"+c.ID+"/archive", map[string]string{}, adminHeaders)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", errorCode(t, w))
}

func TestHandler_WorkAccessGating(t *testing.T) {
	r, _, store := setupTestRouter()
	c := seed(t, store, func(c *Case) { c.EscrowStatus = EscrowAwaitingFunding })
	para := map[string]string{auth.HeaderActorID: "para_1"}

	w := do(r, http.MethodGet, "/v1/cases/"+c.ID+"/work-access", nil, para)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "payment_not_secured", errorCode(t, w))
	assert.Contains(t, w.Body.String(), "work begins once payment is secured")

	_, err := store.Mutate(t.Context(), c.ID, func(c *Case) error { c.EscrowStatus = EscrowFunded; return nil })
	require.NoError(t, err)

	w = do(r, http.MethodGet, "/v1/cases/"+c.ID+"/work-access", nil, para)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/cases/"+c.ID+"/work-access", nil, map[string]string{auth.HeaderActorID: "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errorCode(t, w))
}

func TestHandler_DisputeAndNotes(t *testing.T) {
	r, _, store := setupTestRouter()
	c := seed(t, store, func(c *Case) { c.Status = StatusInProgress })

	w := do(r, http.MethodPost, "/v1/cases/"+c.ID+"/disputes", map[string]string{"message": "missed deadline"}, map[string]string{auth.HeaderActorID: "atty_1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = do(r, http.MethodPatch, "/v1/admin/cases/"+c.ID+"/disputes/"+resp.Dispute.ID+"/notes", map[string]string{"adminNotes": "called both parties"}, adminHeaders)
	require.Equal(t, http.StatusOK, w.Code)

	stored, _ := store.Get(t.Context(), c.ID)
	assert.Equal(t, "called both parties", stored.Disputes[0].AdminNotes)

	w = do(r, http.MethodPatch, "/v1/admin/cases/"+c.ID+"/disputes/dsp_nope/notes", map[string]string{"adminNotes": "x"}, adminHeaders)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
