package settlement

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/paynest/escrowd/internal/gateway"
	"github.com/paynest/escrowd/internal/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func setupRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(f.svc, testWebhookSecret).RegisterRoutes(r.Group("/v1"))
	return r
}

func do(r *gin.Engine, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) View {
	t.Helper()
	var v View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHandler_StartAndPoll(t *testing.T) {
	f := newFixture(t, gateway.SandboxOptions{})
	r := setupRouter(t, f)

	w := do(r, http.MethodPost, "/v1/settlements",
		`{"amount":"10","recipientAccount":"merchant@upi","payerReference":"payer-42","note":"Dinner"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeView(t, w)
	assert.Equal(t, StageCollectionPending, created.Stage)
	assert.Equal(t, "10", created.Amount.String())

	f.gw.SetCollectionStatus(created.ReferenceID, gateway.StatusSuccess)
	w = do(r, http.MethodGet, "/v1/settlements/"+created.ReferenceID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StagePayoutProcessing, decodeView(t, w).Stage)

	w = do(r, http.MethodGet, "/v1/settlements/"+created.ReferenceID+"/receipt", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "receipt_not_ready")

	f.gw.SetPayoutStatus(idgen.PayoutReference(created.ReferenceID), gateway.StatusSuccess)
	w = do(r, http.MethodGet, "/v1/settlements/"+created.ReferenceID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StageCompleted, decodeView(t, w).Stage)

	w = do(r, http.MethodGet, "/v1/settlements/"+created.ReferenceID+"/receipt", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Receipt struct {
			ReceiptNumber string `json:"receiptNumber"`
			SettlementRef string `json:"settlementRef"`
		} `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Receipt.ReceiptNumber)

	w = do(r, http.MethodGet, "/v1/settlements/"+created.ReferenceID+"/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Audit   []map[string]any `json:"audit"`
		History []map[string]any `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trail))
	assert.Len(t, trail.Audit, 6)
	assert.Len(t, trail.History, 6)
	assert.Equal(t, "payer", trail.Audit[0]["actorType"])
}

func TestHandler_StartValidation(t *testing.T) {
	f := newFixture(t, gateway.SandboxOptions{})
	r := setupRouter(t, f)

	w := do(r, http.MethodPost, "/v1/settlements",
		`{"amount":"10","recipientAccount":"merchant","payerReference":"payer-42"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), "recipientAccount")

	w = do(r, http.MethodPost, "/v1/settlements", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	assert.Zero(t, f.gw.Calls(gateway.OpCreateCollection))
}

func TestHandler_GatewayUnavailable(t *testing.T) {
	f := newFixture(t, gateway.SandboxOptions{})
	r := setupRouter(t, f)
	f.gw.FailNext(gateway.OpCreateCollection, gateway.ErrUnavailable)

	w := do(r, http.MethodPost, "/v1/settlements",
		`{"amount":"10","recipientAccount":"merchant@upi","payerReference":"payer-42"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_unavailable")
	assert.NotContains(t, w.Body.String(), "create collection", "internal detail stays out of the response")
}

func TestHandler_StaleStatus(t *testing.T) {
	f := newFixture(t, gateway.SandboxOptions{})
	r := setupRouter(t, f)
	ref := f.start(t, "10").ReferenceID
	f.gw.FailNext(gateway.OpCollectionStatus, gateway.ErrUnavailable)

	w := do(r, http.MethodGet, "/v1/settlements/"+ref, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeView(t, w).Stale)
}

func TestHandler_NotFound(t *testing.T) {
	f := newFixture(t, gateway.SandboxOptions{})
	r := setupRouter(t, f)

	w := do(r, http.MethodGet, "/v1/settlements/ESC00000000000000000000", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/v1/settlements/x!/receipt", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_PaymentIntent(t *testing.T) {
	f := newFixture(t, gateway.SandboxOptions{})
	r := setupRouter(t, f)

	w := do(r, http.MethodPost, "/v1/payment-intents",
		`{"amount":"25.50","recipientAccount":"merchant@upi","payerReference":"payer-42"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var body struct {
		PaymentIntent struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"paymentIntent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.PaymentIntent.ID)
	assert.Equal(t, "CREATED", body.PaymentIntent.Status)

	w = do(r, http.MethodPost, "/v1/settlements",
		`{"amount":"25.50","recipientAccount":"merchant@upi","payerReference":"payer-42","paymentIntentId":"`+body.PaymentIntent.ID+`"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, body.PaymentIntent.ID, decodeView(t, w).PaymentIntentID)

	w = do(r, http.MethodPost, "/v1/settlements",
		`{"amount":"25.50","recipientAccount":"merchant@upi","payerReference":"payer-42","paymentIntentId":"`+body.PaymentIntent.ID+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_Webhook(t *testing.T) {
	f := newFixture(t, gateway.SandboxOptions{})
	r := setupRouter(t, f)
	view := f.start(t, "10")

	payload := `{"reference_id":"` + view.ReferenceID + `","transaction_id":"` + view.CollectionID +
		`","status":"SUCCESS","utr":"UTR1","callback_transaction_id":"cb-1"}`

	w := do(r, http.MethodPost, "/v1/webhooks/collection", payload)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "unsigned")

	w = do(r, http.MethodPost, "/v1/webhooks/collection", payload, SignatureHeader, sign("wrong", []byte(payload)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/v1/webhooks/collection", payload, SignatureHeader, "sha256="+sign(testWebhookSecret, []byte(payload)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StagePayoutProcessing, decodeView(t, w).Stage)

	w = do(r, http.MethodPost, "/v1/webhooks/collection", payload, SignatureHeader, sign(testWebhookSecret, []byte(payload)))
	require.Equal(t, http.StatusOK, w.Code, "replay acknowledged")
	assert.Equal(t, 1, f.gw.Calls(gateway.OpCreatePayout))

	missing := `{"reference_id":"` + view.ReferenceID + `","status":"SUCCESS"}`
	w = do(r, http.MethodPost, "/v1/webhooks/collection", missing, SignatureHeader, sign(testWebhookSecret, []byte(missing)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	mismatch := `{"reference_id":"` + view.ReferenceID + `","transaction_id":"COL999","status":"SUCCESS","callback_transaction_id":"cb-9"}`
	w = do(r, http.MethodPost, "/v1/webhooks/collection", mismatch, SignatureHeader, sign(testWebhookSecret, []byte(mismatch)))
	assert.Equal(t, http.StatusConflict, w.Code)
}
