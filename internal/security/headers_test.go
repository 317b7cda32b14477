package security_test

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payconfirm/internal/security"
)

func serveWithHeaders(h security.Headers, req *http.Request) http.Header {
	handler := h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Redirect(w, req, "https://shop.example.com/success", http.StatusSeeOther)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr.Result().Header
}

func TestHeadersOnRedirectResponse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/payment-success?transactionId=TXN_1", nil)
	req.TLS = &tls.ConnectionState{}

	headers := serveWithHeaders(security.Headers{Enable: true, EnableHSTS: true, HSTSMaxAge: 600, HSTSIncludeSubdomains: true}, req)

	require.Equal(t, "nosniff", headers.Get("X-Content-Type-Options"))
	require.Equal(t, "no-store", headers.Get("Cache-Control"))
	require.Equal(t, "DENY", headers.Get("X-Frame-Options"))
	require.Contains(t, headers.Get("Content-Security-Policy"), "frame-ancestors 'none'")
	require.Equal(t, "max-age=600; includeSubDomains", headers.Get("Strict-Transport-Security"))
	require.Equal(t, "https://shop.example.com/success", headers.Get("Location"))
}

func TestHeadersHSTSRequiresSecureRequest(t *testing.T) {
	cases := []struct {
		name     string
		trust    bool
		proto    string
		wantHSTS string
	}{
		{name: "plain http", wantHSTS: ""},
		{name: "untrusted forwarded proto", proto: "https", wantHSTS: ""},
		{name: "trusted forwarded proto", trust: true, proto: "HTTPS", wantHSTS: "max-age=31536000"},
		{name: "trusted but http", trust: true, proto: "http", wantHSTS: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "http://api.example.com/api/v1/payments/webhook", nil)
			if tc.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tc.proto)
			}
			headers := serveWithHeaders(security.Headers{Enable: true, EnableHSTS: true, TrustForwardedProto: tc.trust}, req)
			require.Equal(t, tc.wantHSTS, headers.Get("Strict-Transport-Security"))
		})
	}
}

func TestHeadersDisabled(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/health/live", nil)
	headers := serveWithHeaders(security.Headers{Enable: false, EnableHSTS: true}, req)
	require.Empty(t, headers.Get("X-Content-Type-Options"))
	require.Empty(t, headers.Get("Content-Security-Policy"))
}
