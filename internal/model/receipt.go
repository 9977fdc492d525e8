package model

import "time"

type (
	ReceiptStatus string

	// DeliveryReceipt correlates to exactly one envelope id.
	DeliveryReceipt struct {
		MessageID string        `json:"messageId"`
		Status    ReceiptStatus `json:"status"`
		Reason    string        `json:"reason,omitempty"`
		Timestamp string        `json:"timestamp"`
	}
)

const (
	// ReceiptAccepted: queued durably, recipient offline.
	ReceiptAccepted ReceiptStatus = "accepted"
	// ReceiptDelivered: handed to at least one live connection, not yet
	// application-acknowledged.
	ReceiptDelivered ReceiptStatus = "delivered"
	// ReceiptAcknowledged: recipient application confirmed processing.
	ReceiptAcknowledged ReceiptStatus = "acknowledged"
	ReceiptFailed       ReceiptStatus = "failed"
)

func NewReceipt(messageID string, status ReceiptStatus) *DeliveryReceipt {
	return &DeliveryReceipt{
		MessageID: messageID,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
