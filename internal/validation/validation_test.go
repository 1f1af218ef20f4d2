package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidVPA(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"merchant@upi", true},
		{"john.doe-99@okhdfcbank", true},
		{"shop_01@ybl", true},

		{"", false},
		{"merchant", false},
		{"@upi", false},
		{"m@upi", false},         // handle too short
		{"merchant@", false},     // no psp
		{"merchant@u", false},    // psp too short
		{"merchant@9pay", false}, // psp must start with a letter
		{"mer chant@upi", false},
		{"merchant@upi@upi", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidVPA(tc.addr), "IsValidVPA(%q)", tc.addr)
	}
}

func TestSanitizeVPA(t *testing.T) {
	assert.Equal(t, "merchant@upi", SanitizeVPA("  Merchant@UPI "))
}

func TestSanitizePurpose(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Dinner split", "Dinner split"},
		{"Rent: March/April!!", "Rent March April"},
		{"  ₹500 for   café  ", "500 for caf"},
		{"", "Escrow payment"},
		{"!!!", "Escrow payment"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
		{strings.Repeat("ab ", 20), strings.TrimSpace(strings.Repeat("ab ", 17))},
	}

	for _, tc := range tests {
		got := SanitizePurpose(tc.in, "Escrow payment")
		assert.Equal(t, tc.want, got, "SanitizePurpose(%q)", tc.in)
		assert.LessOrEqual(t, len(got), MaxPurposeLength)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 10))
	assert.Equal(t, "hello", SanitizeString("hello world", 5))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 10))
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr string
	}{
		{in: "10", want: "10"},
		{in: "10.5", want: "10.5"},
		{in: "0.01", want: "0.01"},
		{in: "10.50", want: "10.5"},
		{in: "0", wantErr: "greater than zero"},
		{in: "-5", wantErr: "greater than zero"},
		{in: "1.234", wantErr: "two decimal places"},
		{in: "abc", wantErr: "invalid amount format"},
		{in: "1..2", wantErr: "invalid amount format"},
	}

	for _, tc := range tests {
		d, err := ParseAmount(tc.in)
		if tc.wantErr != "" {
			require.Error(t, err, tc.in)
			assert.Contains(t, err.Error(), tc.wantErr)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, d.String())
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("payerReference", ""),
		ValidVPA("recipientAccount", "not-a-vpa"),
		ValidAmount("amount", decimal.RequireFromString("10")),
		MaxLength("note", "short", 10),
	)
	require.Len(t, errs, 2)
	assert.Equal(t, "payerReference", errs[0].Field)
	assert.Equal(t, "recipientAccount", errs[1].Field)
	assert.Equal(t, "payerReference: is required", errs.Error())

	assert.Empty(t, Validate(ValidVPA("recipientAccount", "merchant@upi")))

	errs = Validate(
		ValidAmount("amount", decimal.Zero),
		ValidAmount("fee", decimal.RequireFromString("1.005")),
	)
	require.Len(t, errs, 2)
	assert.Equal(t, "amount must be greater than zero", errs[0].Message)
	assert.Equal(t, "amount supports at most two decimal places", errs[1].Message)
}

func TestReferenceParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/s/:reference", ReferenceParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/s/ESC1234ABCD", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/s/ab", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_reference")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"1000000"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
