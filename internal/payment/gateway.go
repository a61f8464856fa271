package payment

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"image-creator-backend/internal/models"
)

const TradeSuccess = "TRADE_SUCCESS"

// Notification is a parsed gateway callback.
type Notification struct {
	OrderNo     string
	TradeNo     string
	TradeStatus string
	Amount      decimal.Decimal
	Params      map[string]string
}

func (n *Notification) Paid() bool {
	return n.TradeStatus == TradeSuccess
}

// UpstreamOrder is the gateway's own view of an order.
type UpstreamOrder struct {
	OrderNo string
	TradeNo string
	Amount  decimal.Decimal
	Paid    bool
}

type Gateway interface {
	Verify(params map[string]string) error
	QueryOrder(ctx context.Context, orderNo string) (*UpstreamOrder, error)
}

// EpayGateway talks to an epay-compatible merchant gateway. Callbacks are
// signed with MD5 over the sorted non-empty parameters followed by the merchant key.
type EpayGateway struct {
	baseURL     string
	merchantID  string
	merchantKey string
	httpClient  *http.Client
}

func NewEpayGateway(baseURL, merchantID, merchantKey string) *EpayGateway {
	return &EpayGateway{
		baseURL:     strings.TrimRight(baseURL, "/"),
		merchantID:  merchantID,
		merchantKey: merchantKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (g *EpayGateway) Sign(params map[string]string) string {
	return Sign(params, g.merchantKey)
}

func (g *EpayGateway) Verify(params map[string]string) error {
	if g.merchantKey == "" {
		return models.ErrInvalidSignature
	}
	got := strings.ToLower(strings.TrimSpace(params["sign"]))
	if got == "" {
		return models.ErrInvalidSignature
	}
	want := g.Sign(params)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return models.ErrInvalidSignature
	}
	return nil
}

type queryResponse struct {
	Code       int             `json:"code"`
	Msg        string          `json:"msg"`
	TradeNo    string          `json:"trade_no"`
	OutTradeNo string          `json:"out_trade_no"`
	Money      decimal.Decimal `json:"money"`
	Status     json.RawMessage `json:"status"`
}

func (g *EpayGateway) QueryOrder(ctx context.Context, orderNo string) (*UpstreamOrder, error) {
	if g.baseURL == "" || g.merchantID == "" {
		return nil, fmt.Errorf("%w: payment gateway not configured", models.ErrUpstream)
	}

	q := url.Values{}
	q.Set("act", "order")
	q.Set("pid", g.merchantID)
	q.Set("key", g.merchantKey)
	q.Set("out_trade_no", orderNo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api.php?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", models.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: gateway status %d: %s", models.ErrUpstream, resp.StatusCode, string(body))
	}

	var out queryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", models.ErrUpstream, err)
	}
	if out.Code != 1 {
		return nil, fmt.Errorf("%w: gateway error: %s", models.ErrUpstream, out.Msg)
	}

	return &UpstreamOrder{
		OrderNo: out.OutTradeNo,
		TradeNo: out.TradeNo,
		Amount:  out.Money,
		Paid:    strings.Trim(string(out.Status), `"`) == "1",
	}, nil
}

// Sign computes the gateway signature: md5(k1=v1&k2=v2...key) over sorted
// keys, skipping empty values and the sign fields themselves.
func Sign(params map[string]string, key string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || k == "sign_type" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(key)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ParseNotification reads the order fields of a callback.
func ParseNotification(params map[string]string) (*Notification, error) {
	orderNo := strings.TrimSpace(params["out_trade_no"])
	if orderNo == "" {
		return nil, fmt.Errorf("%w: out_trade_no is required", models.ErrInvalidInput)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(params["money"]))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid money %q", models.ErrInvalidInput, params["money"])
	}
	return &Notification{
		OrderNo:     orderNo,
		TradeNo:     strings.TrimSpace(params["trade_no"]),
		TradeStatus: strings.TrimSpace(params["trade_status"]),
		Amount:      amount,
		Params:      params,
	}, nil
}
