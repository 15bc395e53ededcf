package models

import (
	"time"
)

// PurchaseStatus is the lifecycle of a ticket order
type PurchaseStatus string

const (
	StatusPending   PurchaseStatus = "pending"
	StatusCompleted PurchaseStatus = "completed"
	StatusFailed    PurchaseStatus = "failed"
)

func (s PurchaseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Purchase represents one order attempt for raffle tickets
type Purchase struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name"`
	NationalID    string         `json:"cpf"`
	Quantity      int            `json:"quantity"`
	Amount        int64          `json:"amount"` // cents
	Status        PurchaseStatus `json:"status"`
	Date          time.Time      `json:"date"`
	TransactionID string         `json:"transaction_id,omitempty"` // last gateway id issued for this order
}

// PurchaseDraft is what the checkout knows before the ledger assigns id and date
type PurchaseDraft struct {
	Email         string
	Name          string
	NationalID    string
	Quantity      int
	Amount        int64
	TransactionID string
}

// LoggedInUser is the dashboard session marker
type LoggedInUser struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	PurchaseID string `json:"purchaseId"`
}
