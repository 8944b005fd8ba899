package common

import (
	"github.com/shopspring/decimal"
)

const (
	PayoutTypePayout = "payout"
	PayoutTypeRefund = "refund"

	PayoutPending         = "pending"
	PayoutPendingApproval = "pending_approval"
	PayoutProcessing      = "processing"
	PayoutCompleted       = "completed"
	PayoutFailed          = "failed"
)

// PendingPayout is a queued money-movement intent, durable and
// auditable independently of deal status. A failed row is only retried
// by the periodic sweep (up to the retry bound), never flipped back to
// pending, so a broken chain endpoint cannot cause a retry storm.
type PendingPayout struct {
	Id         string `json:"id"`
	DealId     string `json:"dealId,omitempty"` // Campaign payouts may be unlinked
	CampaignId string `json:"campaignId,omitempty"`

	Recipient string          `json:"recipientAddress"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`

	Type   string `json:"type"`   // payout | refund
	Status string `json:"status"` // pending | pending_approval | processing | completed | failed

	RetryCount int32  `json:"retryCount,omitempty"`
	TxHash     string `json:"txHash,omitempty"`
	Reason     string `json:"reason,omitempty"`

	CreatedAt  int64 `json:"createdAt"`
	UpdatedAt  int64 `json:"updatedAt,omitempty"`
	ExecutedAt int64 `json:"executedAt,omitempty"`
}
