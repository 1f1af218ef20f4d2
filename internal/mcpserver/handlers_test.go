package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, PayerReference: "agent-7"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var sampleView = map[string]any{
	"referenceId":      "ESC20260401ABCDEF",
	"status":           "PROCESSING",
	"stage":            "COLLECTION_PENDING",
	"collectionStatus": "PENDING",
	"amount":           "250",
	"currency":         "INR",
	"recipientAccount": "merchant@upi",
	"paymentLink":      "upi://pay?pa=escrow@upi&am=250",
	"updatedAt":        "2026-04-01T10:00:00Z",
}

// ============================================================
// Client tests
// ============================================================

func TestClient_StartSettlement_SendsPayerReference(t *testing.T) {
	var body map[string]any
	var method, path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, sampleView)
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, PayerReference: "agent-7"})
	_, err := client.StartSettlement(context.Background(), "250", "merchant@upi", "lunch")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/v1/settlements", path)
	assert.Equal(t, "250", body["amount"])
	assert.Equal(t, "merchant@upi", body["recipientAccount"])
	assert.Equal(t, "agent-7", body["payerReference"])
	assert.Equal(t, "lunch", body["note"])
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "not_found",
			"message": "Settlement not found",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetSettlement(context.Background(), "ESC_MISSING")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Settlement not found")
}

func TestClient_HTTPError_RawBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetAuditTrail(context.Background(), "ESC1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_EscapesPathSegments(t *testing.T) {
	var rawPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawPath = r.URL.EscapedPath()
		writeJSON(w, http.StatusOK, map[string]any{})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetReceipt(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/v1/settlements/a%2Fb/receipt", rawPath)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleStartSettlement(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, sampleView)
	}))
	defer cleanup()

	result, err := h.HandleStartSettlement(context.Background(), makeRequest(map[string]any{
		"amount":            "250",
		"recipient_account": "merchant@upi",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Settlement started.")
	assert.Contains(t, text, "ESC20260401ABCDEF")
	assert.Contains(t, text, "COLLECTION_PENDING")
	assert.Contains(t, text, "Pay here: upi://pay")
}

func TestHandleStartSettlement_MissingArgs(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleStartSettlement(context.Background(), makeRequest(map[string]any{"amount": "10"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "recipient_account")
}

func TestHandleStartSettlement_InvalidAmount(t *testing.T) {
	var called bool
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		writeJSON(w, http.StatusCreated, sampleView)
	}))
	defer cleanup()

	for _, amount := range []string{"1.234", "0", "ten"} {
		result, err := h.HandleStartSettlement(context.Background(), makeRequest(map[string]any{
			"amount":            amount,
			"recipient_account": "merchant@upi",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError, amount)
		assert.Contains(t, resultText(t, result), "Invalid amount", amount)
	}
	assert.False(t, called, "malformed amounts must not reach the API")
}

func TestHandleStartSettlement_ValidationError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation_error",
			"message": "recipientAccount: invalid VPA format",
		})
	}))
	defer cleanup()

	result, err := h.HandleStartSettlement(context.Background(), makeRequest(map[string]any{
		"amount":            "12.50",
		"recipient_account": "not-a-vpa",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid VPA format")
}

func TestHandleSettlementStatus_Stale(t *testing.T) {
	view := map[string]any{}
	for k, v := range sampleView {
		view[k] = v
	}
	view["stale"] = true

	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/settlements/ESC20260401ABCDEF", r.URL.Path)
		writeJSON(w, http.StatusOK, view)
	}))
	defer cleanup()

	result, err := h.HandleSettlementStatus(context.Background(), makeRequest(map[string]any{
		"reference_id": "ESC20260401ABCDEF",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "last known state")
}

func TestHandleSettlementStatus_Failed(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"referenceId":   "ESC1",
			"status":        "FAILED",
			"stage":         "PAYOUT_FAILED",
			"failureReason": "beneficiary account closed",
		})
	}))
	defer cleanup()

	result, err := h.HandleSettlementStatus(context.Background(), makeRequest(map[string]any{"reference_id": "ESC1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "PAYOUT_FAILED (FAILED)")
	assert.Contains(t, text, "Failure: beneficiary account closed")
	assert.NotContains(t, text, "Pay here")
}

func TestHandleSettlementStatus_MissingReference(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleSettlementStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSettlementReceipt(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/settlements/ESC1/receipt", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"receipt": map[string]any{
				"receiptNumber":    "RCPT-20260401-ABCDEF1234",
				"settlementRef":    "ESC1",
				"recipientAccount": "merchant@upi",
				"currency":         "INR",
				"collectionAmount": "10",
				"collectionFee":    "0",
				"payoutAmount":     "10",
				"payoutFee":        "2.36",
				"netAmount":        "7.64",
				"payoutUtr":        "UTR998877",
				"settledAt":        "2026-04-01T10:05:00Z",
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleSettlementReceipt(context.Background(), makeRequest(map[string]any{"reference_id": "ESC1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "RCPT-20260401-ABCDEF1234")
	assert.Contains(t, text, "Net:        7.64 to merchant@upi")
	assert.Contains(t, text, "Bank ref:   UTR998877")
}

func TestHandleSettlementReceipt_NotReady(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "not_found",
			"message": "Receipt not available",
		})
	}))
	defer cleanup()

	result, err := h.HandleSettlementReceipt(context.Background(), makeRequest(map[string]any{"reference_id": "ESC1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Receipt not available")
}

func TestHandleVerifyReceipt(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]any
		want string
	}{
		{
			name: "valid",
			resp: map[string]any{"verification": map[string]any{"valid": true, "receiptNumber": "RCPT-1"}},
			want: "Receipt RCPT-1 is valid.",
		},
		{
			name: "tampered",
			resp: map[string]any{"verification": map[string]any{"valid": false, "receiptNumber": "RCPT-1", "error": "signature mismatch"}},
			want: "NOT valid: signature mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/receipts/RCPT-1/verify", r.URL.Path)
				writeJSON(w, http.StatusOK, tt.resp)
			}))
			defer cleanup()

			result, err := h.HandleVerifyReceipt(context.Background(), makeRequest(map[string]any{"receipt_number": "RCPT-1"}))
			require.NoError(t, err)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleSettlementAudit(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"audit": []map[string]any{
				{"action": "CREATED", "toStatus": "COLLECTION_PENDING", "actorType": "payer", "createdAt": "t1"},
				{"action": "COLLECTION_SUCCESS", "fromStatus": "COLLECTION_PENDING", "toStatus": "COLLECTION_SUCCESS", "actorType": "gateway", "createdAt": "t2"},
			},
			"history": []map[string]any{},
		})
	}))
	defer cleanup()

	result, err := h.HandleSettlementAudit(context.Background(), makeRequest(map[string]any{"reference_id": "ESC1"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "(2 entries)")
	assert.Contains(t, text, "1. t1 CREATED [- -> COLLECTION_PENDING] by payer")
	assert.Contains(t, text, "2. t2 COLLECTION_SUCCESS [COLLECTION_PENDING -> COLLECTION_SUCCESS] by gateway")
}

func TestHandleSettlementAudit_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"audit": []any{}, "history": []any{}})
	}))
	defer cleanup()

	result, err := h.HandleSettlementAudit(context.Background(), makeRequest(map[string]any{"reference_id": "ESC1"}))
	require.NoError(t, err)
	assert.Equal(t, "No audit entries for ESC1.", resultText(t, result))
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test")
	require.NotNil(t, s)

	for _, tool := range []mcp.Tool{ToolStartSettlement, ToolSettlementStatus, ToolSettlementReceipt, ToolVerifyReceipt, ToolSettlementAudit} {
		assert.NotEmpty(t, tool.Name)
		assert.NotEmpty(t, tool.Description)
	}
}
