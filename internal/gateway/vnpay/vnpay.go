// Package vnpay speaks VNPay's IPN and querydr APIs.
package vnpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
	"github.com/ariefcatur/go-realtime-bookings/internal/payments"
)

const (
	Provider = "vnpay"
	version  = "2.1.0"

	// VNPay timestamps are GMT+7 without zone
	timeLayout = "20060102150405"
)

var vnZone = time.FixedZone("ICT", 7*60*60)

// Codes, shared by vnp_ResponseCode and vnp_TransactionStatus.
const (
	CodeSuccess    = "00"
	CodeIncomplete = "01"
	CodeRefunding  = "05"
)

type Config struct {
	TmnCode    string
	HashSecret string
	QueryURL   string
	ClientIP   string
	Timeout    time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

var _ payments.Gateway = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ClientIP == "" {
		cfg.ClientIP = "127.0.0.1"
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, now: time.Now}
}

// failureCodes end a payment for good: 02 and 04 as vnp_TransactionStatus,
// the rest as vnp_ResponseCode of an abandoned or declined checkout.
var failureCodes = map[string]bool{
	"02": true, // giao dịch lỗi
	"04": true, // giao dịch đảo
	"09": true, "10": true, "11": true, "12": true, "13": true,
	"24": true, // khách hàng hủy
	"51": true, "65": true, "75": true, "79": true,
}

// MapStatus maps a transaction status code onto the payment state machine.
// Empty, in-flight and unknown codes stay PROCESSING, and so does 07 (money
// taken but held for fraud review).
func MapStatus(code string) payments.Status {
	switch {
	case code == CodeSuccess:
		return payments.StatusSuccess
	case failureCodes[code]:
		return payments.StatusFailed
	}
	return payments.StatusProcessing
}

// Sign is the hex HMAC-SHA512 of data under the merchant secret.
func (c *Client) Sign(data string) string {
	mac := hmac.New(sha512.New, []byte(c.cfg.HashSecret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// hashData is the signed portion of an IPN: every vnp_ field except the hash
// itself, sorted by key and query-encoded.
func hashData(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if !strings.HasPrefix(k, "vnp_") || k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		if v.Get(k) == "" {
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
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v.Get(k)))
	}
	return b.String()
}

// Parse reads an IPN query string and checks vnp_SecureHash.
func (c *Client) Parse(raw []byte) (payments.Notification, error) {
	v, err := url.ParseQuery(strings.TrimSpace(string(raw)))
	if err != nil {
		return payments.Notification{}, fmt.Errorf("vnpay ipn: %v: %w", err, apperr.ErrMalformedPayload)
	}
	got := v.Get("vnp_SecureHash")
	if got == "" || !hmac.Equal([]byte(strings.ToLower(got)), []byte(c.Sign(hashData(v)))) {
		return payments.Notification{}, fmt.Errorf("vnpay ipn: bad signature: %w", apperr.ErrMalformedPayload)
	}
	if tmn := v.Get("vnp_TmnCode"); tmn != "" && tmn != c.cfg.TmnCode {
		return payments.Notification{}, fmt.Errorf("vnpay ipn: terminal %q: %w", tmn, apperr.ErrMalformedPayload)
	}
	ref := v.Get("vnp_TxnRef")
	if ref == "" {
		return payments.Notification{}, fmt.Errorf("vnpay ipn: missing vnp_TxnRef: %w", apperr.ErrMalformedPayload)
	}
	amount, err := parseAmount(v.Get("vnp_Amount"))
	if err != nil {
		return payments.Notification{}, err
	}

	// both codes have to agree before money counts as captured
	code := v.Get("vnp_TransactionStatus")
	if code == "" {
		code = v.Get("vnp_ResponseCode")
	}
	status := MapStatus(code)
	if rc := v.Get("vnp_ResponseCode"); status == payments.StatusSuccess && rc != CodeSuccess {
		status, code = MapStatus(rc), rc
	}

	n := payments.Notification{
		Provider:      Provider,
		TransactionID: ref,
		OrderRef:      v.Get("vnp_TransactionNo"),
		GatewayCode:   code,
		Status:        status,
		Amount:        amount,
		Message:       v.Get("vnp_OrderInfo"),
	}
	if pd := v.Get("vnp_PayDate"); pd != "" {
		if t, err := time.ParseInLocation(timeLayout, pd, vnZone); err == nil {
			n.PaidAt = t
		}
	}
	return n, nil
}

// vnp_Amount is the VND amount times 100.
func parseAmount(s string) (int64, error) {
	a, err := strconv.ParseInt(s, 10, 64)
	if err != nil || a < 0 || a%100 != 0 {
		return 0, fmt.Errorf("vnpay: amount %q: %w", s, apperr.ErrMalformedPayload)
	}
	return a / 100, nil
}

func formatAmount(vnd int64) string { return strconv.FormatInt(vnd*100, 10) }

// Synthesize re-issues a signed IPN from a querydr answer.
func (c *Client) Synthesize(d payments.ReconciliationData) ([]byte, error) {
	if d.TransactionID == "" {
		return nil, fmt.Errorf("vnpay synthesize: missing transaction id: %w", apperr.ErrInvalidInput)
	}
	v := url.Values{}
	v.Set("vnp_TmnCode", c.cfg.TmnCode)
	v.Set("vnp_TxnRef", d.TransactionID)
	v.Set("vnp_Amount", formatAmount(d.Amount))
	v.Set("vnp_ResponseCode", d.GatewayStatus)
	v.Set("vnp_TransactionStatus", d.GatewayStatus)
	v.Set("vnp_OrderInfo", "reconciled "+d.TransactionID)
	if d.OrderRef != "" {
		v.Set("vnp_TransactionNo", d.OrderRef)
	}
	if !d.PaidAt.IsZero() {
		v.Set("vnp_PayDate", d.PaidAt.In(vnZone).Format(timeLayout))
	}
	v.Set("vnp_SecureHash", c.Sign(hashData(v)))
	return []byte(v.Encode()), nil
}

type queryRequest struct {
	RequestID       string `json:"vnp_RequestId"`
	Version         string `json:"vnp_Version"`
	Command         string `json:"vnp_Command"`
	TmnCode         string `json:"vnp_TmnCode"`
	TxnRef          string `json:"vnp_TxnRef"`
	OrderInfo       string `json:"vnp_OrderInfo"`
	TransactionNo   string `json:"vnp_TransactionNo,omitempty"`
	TransactionDate string `json:"vnp_TransactionDate"`
	CreateDate      string `json:"vnp_CreateDate"`
	IPAddr          string `json:"vnp_IpAddr"`
	SecureHash      string `json:"vnp_SecureHash"`
}

type queryResponse struct {
	ResponseID        string `json:"vnp_ResponseId"`
	Command           string `json:"vnp_Command"`
	ResponseCode      string `json:"vnp_ResponseCode"`
	Message           string `json:"vnp_Message"`
	TmnCode           string `json:"vnp_TmnCode"`
	TxnRef            string `json:"vnp_TxnRef"`
	Amount            string `json:"vnp_Amount"`
	BankCode          string `json:"vnp_BankCode"`
	PayDate           string `json:"vnp_PayDate"`
	TransactionNo     string `json:"vnp_TransactionNo"`
	TransactionType   string `json:"vnp_TransactionType"`
	TransactionStatus string `json:"vnp_TransactionStatus"`
	OrderInfo         string `json:"vnp_OrderInfo"`
	PromotionCode     string `json:"vnp_PromotionCode"`
	PromotionAmount   string `json:"vnp_PromotionAmount"`
	SecureHash        string `json:"vnp_SecureHash"`
}

func (r queryRequest) checksumData() string {
	return strings.Join([]string{
		r.RequestID, r.Version, r.Command, r.TmnCode, r.TxnRef,
		r.TransactionDate, r.CreateDate, r.IPAddr, r.OrderInfo,
	}, "|")
}

func (r queryResponse) checksumData() string {
	return strings.Join([]string{
		r.ResponseID, r.Command, r.ResponseCode, r.Message, r.TmnCode, r.TxnRef,
		r.Amount, r.BankCode, r.PayDate, r.TransactionNo, r.TransactionType,
		r.TransactionStatus, r.OrderInfo, r.PromotionCode, r.PromotionAmount,
	}, "|")
}

// Query calls querydr. Transport failures and unreadable answers come back
// as apperr.ErrGatewayUnavailable; a readable answer is a result even when
// VNPay says the query itself failed.
func (c *Client) Query(ctx context.Context, in payments.QueryInput) (*payments.QueryResult, error) {
	req := queryRequest{
		RequestID:       strings.ReplaceAll(uuid.NewString(), "-", "")[:32],
		Version:         version,
		Command:         "querydr",
		TmnCode:         c.cfg.TmnCode,
		TxnRef:          in.TransactionID,
		OrderInfo:       "query " + in.TransactionID,
		TransactionNo:   in.OrderRef,
		TransactionDate: in.TransactionDate.In(vnZone).Format(timeLayout),
		CreateDate:      c.now().In(vnZone).Format(timeLayout),
		IPAddr:          c.cfg.ClientIP,
	}
	req.SecureHash = c.Sign(req.checksumData())

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.QueryURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vnpay querydr: %v: %w", err, apperr.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vnpay querydr: read: %v: %w", err, apperr.ErrGatewayUnavailable)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("vnpay querydr: http %d: %w", resp.StatusCode, apperr.ErrGatewayUnavailable)
	}
	var qr queryResponse
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, fmt.Errorf("vnpay querydr: decode: %v: %w", err, apperr.ErrGatewayUnavailable)
	}
	if qr.SecureHash != "" && !hmac.Equal([]byte(strings.ToLower(qr.SecureHash)), []byte(c.Sign(qr.checksumData()))) {
		return nil, fmt.Errorf("vnpay querydr: bad response checksum: %w", apperr.ErrGatewayUnavailable)
	}

	res := &payments.QueryResult{
		Success:           qr.ResponseCode == CodeSuccess,
		TransactionID:     in.TransactionID,
		ResponseCode:      qr.ResponseCode,
		Message:           qr.Message,
		TransactionStatus: qr.TransactionStatus,
	}
	if !res.Success {
		return res, nil
	}
	res.Status = MapStatus(qr.TransactionStatus)
	if qr.TransactionNo != "" {
		ref := qr.TransactionNo
		res.OrderRef = &ref
	}
	if qr.Amount != "" {
		a, err := parseAmount(qr.Amount)
		if err != nil {
			return nil, fmt.Errorf("vnpay querydr: %v: %w", err, apperr.ErrGatewayUnavailable)
		}
		res.Amount = &a
	}
	if qr.PayDate != "" {
		if t, err := time.ParseInLocation(timeLayout, qr.PayDate, vnZone); err == nil {
			res.PaidAt = t
		}
	}
	return res, nil
}
