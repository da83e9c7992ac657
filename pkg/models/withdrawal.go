package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// WithdrawalStatus tracks a withdrawal request through review and payout
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalApproved   WithdrawalStatus = "approved"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
)

// WithdrawalRequest represents a request to move funds off the exchange.
// Amount stays locked from creation until completion, rejection or cancel.
type WithdrawalRequest struct {
	ID                     uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	UserID                 uuid.UUID        `json:"user_id" gorm:"type:uuid;index"`
	Currency               string           `json:"currency" gorm:"size:16"`
	Amount                 money.Amount     `json:"amount"`
	Fee                    money.Amount     `json:"fee"`
	NetAmount              money.Amount     `json:"net_amount"`
	ToAddress              string           `json:"to_address"`
	Memo                   string           `json:"memo,omitempty"`
	Status                 WithdrawalStatus `json:"status" gorm:"index;size:16"`
	RequiresManualApproval bool             `json:"requires_manual_approval"`
	CanProcessAfter        time.Time        `json:"can_process_after"`
	TwoFactorVerified      bool             `json:"two_factor_verified"`
	ReviewedBy             string           `json:"reviewed_by,omitempty"`
	ReviewedAt             *time.Time       `json:"reviewed_at,omitempty"`
	RejectionReason        string           `json:"rejection_reason,omitempty"`
	TxHash                 string           `json:"tx_hash,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
	CompletedAt            *time.Time       `json:"completed_at,omitempty"`
}
