package common_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payconfirm/internal/common"
)

func TestWriteErrorUsesAppError(t *testing.T) {
	cause := errors.New("ledger: not found")
	appErr := common.NewAppError("TRANSACTION_NOT_FOUND", "transaction not found", http.StatusInternalServerError, cause)
	require.ErrorIs(t, appErr, cause)

	rr := httptest.NewRecorder()
	common.WriteError(rr, fmt.Errorf("webhook: %w", appErr))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))

	var env common.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.Equal(t, "TRANSACTION_NOT_FOUND", env.Error.Code)
	require.Equal(t, "transaction not found", env.Error.Message)
}

func TestWriteErrorHidesPlainErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	common.WriteError(rr, errors.New("pq: password authentication failed"))

	var env common.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.Equal(t, "INTERNAL", env.Error.Code)
	require.NotContains(t, rr.Body.String(), "password")
}

func TestJSONEncodingFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	common.JSON(rr, http.StatusOK, map[string]any{"bad": make(chan int)})
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Contains(t, rr.Body.String(), "INTERNAL")
}

func TestSha256Hex(t *testing.T) {
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", common.Sha256Hex(nil))
}
