package payment_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-creator-backend/internal/models"
	"image-creator-backend/internal/payment"
)

func TestSign_SortedNonEmptyParams(t *testing.T) {
	params := map[string]string{
		"out_trade_no": "ORD123",
		"money":        "9.99",
		"empty":        "",
		"sign":         "ignored",
		"sign_type":    "MD5",
	}
	sum := md5.Sum([]byte("money=9.99&out_trade_no=ORD123secret"))
	assert.Equal(t, hex.EncodeToString(sum[:]), payment.Sign(params, "secret"))
}

func TestVerify(t *testing.T) {
	gw := payment.NewEpayGateway("", "1001", "secret")
	params := map[string]string{"out_trade_no": "ORD123", "money": "9.99", "trade_status": payment.TradeSuccess}
	params["sign"] = gw.Sign(params)

	assert.NoError(t, gw.Verify(params))

	tampered := map[string]string{}
	for k, v := range params {
		tampered[k] = v
	}
	tampered["money"] = "0.01"
	assert.ErrorIs(t, gw.Verify(tampered), models.ErrInvalidSignature)

	delete(params, "sign")
	assert.ErrorIs(t, gw.Verify(params), models.ErrInvalidSignature)

	unkeyed := payment.NewEpayGateway("", "1001", "")
	assert.ErrorIs(t, unkeyed.Verify(map[string]string{"sign": "abc"}), models.ErrInvalidSignature)
}

func TestParseNotification(t *testing.T) {
	n, err := payment.ParseNotification(map[string]string{
		"out_trade_no": "ORD123",
		"trade_no":     "T1",
		"money":        "9.99",
		"trade_status": payment.TradeSuccess,
	})
	require.NoError(t, err)
	assert.True(t, n.Paid())
	assert.Equal(t, "9.99", n.Amount.StringFixed(2))

	_, err = payment.ParseNotification(map[string]string{"money": "1"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = payment.ParseNotification(map[string]string{"out_trade_no": "X", "money": "lots"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestQueryOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api.php", r.URL.Path)
		assert.Equal(t, "order", r.URL.Query().Get("act"))
		assert.Equal(t, "1001", r.URL.Query().Get("pid"))

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("out_trade_no") {
		case "PAID":
			_, _ = w.Write([]byte(`{"code":1,"trade_no":"T9","out_trade_no":"PAID","money":"9.99","status":1}`))
		case "UNPAID":
			_, _ = w.Write([]byte(`{"code":1,"out_trade_no":"UNPAID","money":"9.99","status":"0"}`))
		default:
			_, _ = w.Write([]byte(`{"code":-1,"msg":"order not found"}`))
		}
	}))
	defer server.Close()

	gw := payment.NewEpayGateway(server.URL, "1001", "secret")
	ctx := context.Background()

	paid, err := gw.QueryOrder(ctx, "PAID")
	require.NoError(t, err)
	assert.True(t, paid.Paid)
	assert.Equal(t, "T9", paid.TradeNo)

	unpaid, err := gw.QueryOrder(ctx, "UNPAID")
	require.NoError(t, err)
	assert.False(t, unpaid.Paid)

	_, err = gw.QueryOrder(ctx, "MISSING")
	assert.ErrorIs(t, err, models.ErrUpstream)
}

func TestQueryOrder_NotConfigured(t *testing.T) {
	_, err := payment.NewEpayGateway("", "", "secret").QueryOrder(context.Background(), "X")
	assert.ErrorIs(t, err, models.ErrUpstream)
}
