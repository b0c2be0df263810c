// Package momo speaks MoMo's v2 IPN and transaction query APIs.
package momo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

const (
	Provider  = "momo"
	queryPath = "/v2/gateway/api/query"
)

const (
	CodeSuccess = 0
)

// pending result codes: authorised but not captured, or still in flight
var pending = map[int]bool{1000: true, 7000: true, 7002: true, 9000: true}

type Config struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string // e.g. https://test-payment.momo.vn
	Timeout     time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

var _ payments.Gateway = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func MapStatus(code int) payments.Status {
	if code == CodeSuccess {
		return payments.StatusSuccess
	}
	if pending[code] {
		return payments.StatusProcessing
	}
	return payments.StatusFailed
}

func (c *Client) Sign(raw string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// IPN is the body MoMo posts to ipnUrl.
type IPN struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

func (c *Client) rawSignature(n IPN) string {
	return fmt.Sprintf(
		"accessKey=%s&amount=%d&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%d&resultCode=%d&transId=%d",
		c.cfg.AccessKey, n.Amount, n.ExtraData, n.Message, n.OrderID, n.OrderInfo, n.OrderType,
		n.PartnerCode, n.PayType, n.RequestID, n.ResponseTime, n.ResultCode, n.TransID,
	)
}

func (c *Client) Parse(raw []byte) (payments.Notification, error) {
	var n IPN
	if err := json.Unmarshal(raw, &n); err != nil {
		return payments.Notification{}, fmt.Errorf("momo ipn: %v: %w", err, apperr.ErrMalformedPayload)
	}
	if n.Signature == "" || !hmac.Equal([]byte(n.Signature), []byte(c.Sign(c.rawSignature(n)))) {
		return payments.Notification{}, fmt.Errorf("momo ipn: bad signature: %w", apperr.ErrMalformedPayload)
	}
	if n.PartnerCode != c.cfg.PartnerCode {
		return payments.Notification{}, fmt.Errorf("momo ipn: partner %q: %w", n.PartnerCode, apperr.ErrMalformedPayload)
	}
	if n.OrderID == "" || n.Amount < 0 {
		return payments.Notification{}, fmt.Errorf("momo ipn: missing order id or amount: %w", apperr.ErrMalformedPayload)
	}
	out := payments.Notification{
		Provider:      Provider,
		TransactionID: n.OrderID,
		GatewayCode:   strconv.Itoa(n.ResultCode),
		Status:        MapStatus(n.ResultCode),
		Amount:        n.Amount,
		Message:       n.Message,
	}
	if n.TransID != 0 {
		out.OrderRef = strconv.FormatInt(n.TransID, 10)
	}
	if n.ResponseTime > 0 {
		out.PaidAt = time.UnixMilli(n.ResponseTime).UTC()
	}
	return out, nil
}

// Synthesize re-issues a signed IPN from a query answer. Fields are derived
// from the answer only, so reconciling twice yields the same bytes.
func (c *Client) Synthesize(d payments.ReconciliationData) ([]byte, error) {
	code, err := strconv.Atoi(d.GatewayStatus)
	if err != nil {
		return nil, fmt.Errorf("momo synthesize: result code %q: %w", d.GatewayStatus, apperr.ErrInvalidInput)
	}
	n := IPN{
		PartnerCode: c.cfg.PartnerCode,
		OrderID:     d.TransactionID,
		RequestID:   d.TransactionID,
		Amount:      d.Amount,
		OrderInfo:   "reconciled " + d.TransactionID,
		OrderType:   "momo_wallet",
		ResultCode:  code,
		Message:     "reconciled",
		PayType:     "reconcile",
	}
	if d.OrderRef != "" {
		if n.TransID, err = strconv.ParseInt(d.OrderRef, 10, 64); err != nil {
			return nil, fmt.Errorf("momo synthesize: trans id %q: %w", d.OrderRef, apperr.ErrInvalidInput)
		}
	}
	if !d.PaidAt.IsZero() {
		n.ResponseTime = d.PaidAt.UnixMilli()
	}
	n.Signature = c.Sign(c.rawSignature(n))
	return json.Marshal(n)
}

type queryRequest struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	OrderID     string `json:"orderId"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

type queryResponse struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	ExtraData    string `json:"extraData"`
	Amount       int64  `json:"amount"`
	TransID      int64  `json:"transId"`
	PayType      string `json:"payType"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	ResponseTime int64  `json:"responseTime"`
	LastUpdated  int64  `json:"lastUpdated"`
}

// Query calls /v2/gateway/api/query. MoMo reports the transaction's own
// result code; an answer about another order is treated as a failed query.
func (c *Client) Query(ctx context.Context, in payments.QueryInput) (*payments.QueryResult, error) {
	req := queryRequest{
		PartnerCode: c.cfg.PartnerCode,
		RequestID:   uuid.NewString(),
		OrderID:     in.TransactionID,
		Lang:        "en",
	}
	req.Signature = c.Sign(fmt.Sprintf("accessKey=%s&orderId=%s&partnerCode=%s&requestId=%s",
		c.cfg.AccessKey, req.OrderID, req.PartnerCode, req.RequestID))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(c.cfg.Endpoint, "/") + queryPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("momo query: %v: %w", err, apperr.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("momo query: read: %v: %w", err, apperr.ErrGatewayUnavailable)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("momo query: http %d: %w", resp.StatusCode, apperr.ErrGatewayUnavailable)
	}
	var qr queryResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, fmt.Errorf("momo query: decode: %v: %w", err, apperr.ErrGatewayUnavailable)
	}

	code := strconv.Itoa(qr.ResultCode)
	res := &payments.QueryResult{
		Success:           qr.OrderID == in.TransactionID,
		TransactionID:     in.TransactionID,
		ResponseCode:      code,
		Message:           qr.Message,
		TransactionStatus: code,
	}
	if !res.Success {
		return res, nil
	}
	res.Status = MapStatus(qr.ResultCode)
	amount := qr.Amount
	res.Amount = &amount
	if qr.TransID != 0 {
		ref := strconv.FormatInt(qr.TransID, 10)
		res.OrderRef = &ref
	}
	if qr.ResponseTime > 0 {
		res.PaidAt = time.UnixMilli(qr.ResponseTime).UTC()
	}
	return res, nil
}
