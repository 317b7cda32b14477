package security_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payconfirm/internal/security"
)

func TestBodyLimitPassesBufferedBody(t *testing.T) {
	var captured string
	var length int64
	handler := security.BodyLimit{Max: 32}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		captured = string(data)
		length = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader("txnid=TXN_1&status=success"))
	req.ContentLength = -1
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "txnid=TXN_1&status=success", captured)
	require.EqualValues(t, len(captured), length)
}

func TestBodyLimitRejects(t *testing.T) {
	cases := []struct {
		name          string
		body          string
		contentLength int64
	}{
		{name: "oversized body", body: "txnid=TXN_1", contentLength: -1},
		{name: "declared oversized", body: "tx", contentLength: 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := security.BodyLimit{Max: 4}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				t.Fatal("handler must not run")
			}))
			req := httptest.NewRequest(http.MethodPost, "/sendnotification", strings.NewReader(tc.body))
			req.ContentLength = tc.contentLength
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
			require.Contains(t, rr.Body.String(), `"code":"PAYLOAD_TOO_LARGE"`)
		})
	}
}

func TestBodyLimitDisabled(t *testing.T) {
	handler := security.BodyLimit{}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sendnotification", strings.NewReader(strings.Repeat("x", 1024))))
	require.Equal(t, http.StatusAccepted, rr.Code)
}
