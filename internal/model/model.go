package model

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

type Method string

const (
	MethodWechat Method = "wechat"
	MethodAlipay Method = "alipay"
)

// OrderPrefix is the gateway-facing order id prefix for the method.
func (m Method) OrderPrefix() string {
	switch m {
	case MethodWechat:
		return "WX"
	case MethodAlipay:
		return "ALI"
	default:
		return "ORD"
	}
}

// Order amounts are integer minor units (cents) fixed at creation.
type Order struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	PlanID        string     `json:"planId"`
	PlanName      string     `json:"planName"`
	Amount        int64      `json:"amount"`
	Status        Status     `json:"status"`
	Method        Method     `json:"method"`
	TransactionID string     `json:"transactionId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
}

const (
	EventOrderCreated = "order.created"
	EventOrderPaid    = "order.paid"
	EventOrderFailed  = "order.failed"
)

type OrderEvent struct {
	ID         uuid.UUID `json:"id"`
	Event      string    `json:"event"`
	Payload    Order     `json:"payload"`
	OccurredAt time.Time `json:"occurredAt"`
}
