package vault

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/monitor"
)

func TestSubmitSendsSignedBodyVerbatim(t *testing.T) {
	body := `{"vault_id":"v1","details":{"data":"AQID"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, TransactionPath, r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "sig==", r.Header.Get("x-signature"))
		assert.Equal(t, "1700000000000", r.Header.Get("x-timestamp"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		got, _ := io.ReadAll(r.Body)
		assert.Equal(t, body, string(got))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"tx-1","status":"pending","signatures":[{"data":null},{"data":null}]}`))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := monitor.NewCosignMetrics(reg)
	c := NewClient(srv.URL, time.Second, metrics)
	rec, err := c.Submit(context.Background(), TransactionPath, "token-1", "sig==", 1700000000000, body)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", rec.ID)
	assert.Equal(t, StatusPending, rec.Class())
	assert.Len(t, rec.Signatures, 2)
	assert.Zero(t, rec.PresentSignatures())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.VaultRequestsTotal.WithLabelValues("POST", "201")))
}

func TestSubmitHTTPErrorKeepsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"title":"Invalid vault"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	_, err := c.Submit(context.Background(), TransactionPath, "t", "s", 1, "{}")
	require.Error(t, err)
	assert.ErrorIs(t, err, errno.ErrHTTP)

	var httpErr *errno.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 422, httpErr.StatusCode)
	assert.Equal(t, `{"title":"Invalid vault"}`, httpErr.Body)
	assert.Contains(t, err.Error(), "status = 422")
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, TransactionPath+"/tx-9", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":              "tx-9",
			"status":          "signed",
			"signatures":      []map[string]any{{"data": "AQID"}, {"data": nil}},
			"raw_transaction": "AQID",
			"hash":            "5abc",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, nil)
	rec, err := c.Fetch(context.Background(), TransactionPath, "tok", "tx-9")
	require.NoError(t, err)
	assert.Equal(t, StatusSigned, rec.Class())
	assert.Equal(t, 1, rec.PresentSignatures())
	assert.Equal(t, "5abc", rec.Hash)

	sig, err := DecodeSignature(rec.Signatures[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, sig)
	raw, err := rec.RawTransactionBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)
}

func TestFetchEscapesID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, TransactionPath+"/a%2Fb%3Fc", r.URL.EscapedPath())
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"id":"a/b?c","status":"signed","signatures":[{"data":null}]}`))
	}))
	defer srv.Close()

	rec, err := NewClient(srv.URL, time.Second, nil).Fetch(context.Background(), TransactionPath, "t", "a/b?c")
	require.NoError(t, err)
	assert.Equal(t, "a/b?c", rec.ID)
}

func TestMalformedResponses(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `<html>`},
		{"missing id", `{"status":"pending"}`},
		{"missing status", `{"id":"x"}`},
		{"bad signature", `{"id":"x","status":"signed","signatures":[{"data":"%%"}]}`},
		{"bad raw transaction", `{"id":"x","status":"signed","raw_transaction":"%%"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second, nil)
			_, err := c.Fetch(context.Background(), TransactionPath, "t", "x")
			assert.ErrorIs(t, err, errno.ErrMalformedResponse)
		})
	}
}

func TestNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 20*time.Millisecond, nil)
	_, err := c.Fetch(context.Background(), TransactionPath, "t", "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, errno.ErrNetwork)
	assert.True(t, errno.IsTemporary(err), "timeouts are recoverable")

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	c = NewClient(url, time.Second, nil)
	_, err = c.Fetch(context.Background(), TransactionPath, "t", "x")
	assert.ErrorIs(t, err, errno.ErrNetwork)
}

func TestStatusClass(t *testing.T) {
	for status, want := range map[string]StatusClass{
		"pending":              StatusPending,
		"waiting_for_approval": StatusPending,
		"signed":               StatusSigned,
		"mined":                StatusSigned,
		"aborted":              StatusFailed,
		"error_signing":        StatusFailed,
	} {
		rec := TransactionRecord{Status: status}
		assert.Equal(t, want, rec.Class(), status)
	}
}

func TestEncodeSignature(t *testing.T) {
	assert.Nil(t, EncodeSignature(nil).Data)
	d := EncodeSignature([]byte{1, 2, 3})
	require.NotNil(t, d.Data)
	assert.Equal(t, "AQID", *d.Data)

	out, err := json.Marshal([]SignatureData{d, EncodeSignature(nil)})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"data":"AQID"},{"data":null}]`, string(out))
}
