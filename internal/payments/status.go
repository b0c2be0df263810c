package payments

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusInitiated  Status = "INITIATED"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

var validNext = map[Status]map[Status]bool{
	StatusInitiated:  {StatusProcessing: true, StatusSuccess: true, StatusFailed: true},
	StatusProcessing: {StatusSuccess: true, StatusFailed: true},
	StatusSuccess:    {},
	StatusFailed:     {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal statuses are write-once.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type Method string

const (
	MethodVNPay Method = "VNPAY"
	MethodMoMo  Method = "MOMO"
)

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodVNPay, MethodMoMo:
		return m, nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

// Provider is the webhook provider name for m, as used in /webhooks/{provider}.
func (m Method) Provider() string { return strings.ToLower(string(m)) }

// ProcessingStatus records what ingestion did with one webhook payload.
type ProcessingStatus string

const (
	ProcessingReceived     ProcessingStatus = "RECEIVED"
	ProcessingApplied      ProcessingStatus = "APPLIED"
	ProcessingIgnored      ProcessingStatus = "IGNORED"       // transaction was already there
	ProcessingRejected     ProcessingStatus = "REJECTED"      // bad signature, bad payload or amount mismatch
	ProcessingRefundReview ProcessingStatus = "REFUND_REVIEW" // captured for a booking that is gone
	ProcessingError        ProcessingStatus = "ERROR"
)

// Terminal processing statuses make any later copy of the payload a pure duplicate.
func (s ProcessingStatus) Terminal() bool {
	switch s {
	case ProcessingApplied, ProcessingIgnored, ProcessingRejected, ProcessingRefundReview:
		return true
	}
	return false
}
