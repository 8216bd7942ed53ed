package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-cosigner/internal/handler/response"
	"vault-cosigner/internal/model"
	"vault-cosigner/pkg/errno"
)

type runs map[string]*model.CosignRun

func (r runs) Get(_ context.Context, id string) (*model.CosignRun, error) {
	run, ok := r[id]
	if !ok {
		return nil, errno.Newf(errno.ErrRunNotFound, "run %s", id)
	}
	return run, nil
}

func do(t *testing.T, r *gin.Engine, path string) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body response.Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewHTTPRouter(runs{
		"run-1": {ID: "run-1", State: model.StateDone, Phase2TxID: "tx-2", Message: []byte{1, 2}},
	})

	w, body := do(t, r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, errno.OK.Code, body.Code)

	w, body = do(t, r, "/api/v1/runs/run-1")
	assert.Equal(t, http.StatusOK, w.Code)
	data := body.Data.(map[string]any)
	assert.Equal(t, "DONE", data["state"])
	assert.Equal(t, "tx-2", data["phase2_tx_id"])
	assert.NotContains(t, data, "Message")

	w, body = do(t, r, "/api/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errno.ErrRunNotFound.Code, body.Code)

	w, _ = do(t, r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cosigner_http_requests_total")
}
