package common

import (
	"encoding/json"
	"log"
	"regexp"
	"time"

	"github.com/boltdb/bolt"
	"github.com/shopspring/decimal"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
)

const (
	CurrencyTON  = "TON"
	CurrencyUSDT = "USDT"
)

// ScheduledCheck is one entry of a deal's monitoring plan. The
// scheduler always acts on the earliest incomplete entry.
type ScheduledCheck struct {
	Time      int64 `json:"time"`
	Completed bool  `json:"completed,omitempty"`
}

// Deal is the unit of commerce between one advertiser and one channel
// owner. Deals are never deleted; terminal ones are kept as the audit
// trail.
type Deal struct {
	Id          string `json:"id"`
	PaymentMemo string `json:"paymentMemo"` // deal_<16 hex>, the sole chain<->record correlation key
	CampaignId  string `json:"campaignId,omitempty"`

	AdvertiserId    string `json:"advertiserId"`
	ChannelId       int64  `json:"channelId"`
	ChannelUsername string `json:"channelUsername,omitempty"`

	// Telegram chats for the fire-and-forget counterparty pings
	AdvertiserChatId int64 `json:"advertiserChatId,omitempty"`
	OwnerChatId      int64 `json:"ownerChatId,omitempty"`

	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`

	AdvertiserWallet   string `json:"advertiserWallet,omitempty"`
	ChannelOwnerWallet string `json:"channelOwnerWallet,omitempty"` // Snapshot taken at deal creation
	PayoutWallet       string `json:"payoutWallet,omitempty"`       // Channel's registered payout address

	Status          Status `json:"status"`
	StatusUpdatedAt int64  `json:"statusUpdatedAt,omitempty"`
	ExpiresAt       int64  `json:"expiresAt,omitempty"` // Payment window
	CreatedAt       int64  `json:"createdAt"`

	DraftText     string `json:"draftText,omitempty"`
	DraftMediaURL string `json:"draftMediaUrl,omitempty"`

	ProposedPostTime int64 `json:"proposedPostTime,omitempty"`
	AgreedPostTime   int64 `json:"agreedPostTime,omitempty"`

	PostedMessageId int   `json:"postedMessageId,omitempty"`
	PostedAt        int64 `json:"postedAt,omitempty"`

	DurationHours   int               `json:"durationHours,omitempty"`
	MonitoringEndAt int64             `json:"monitoringEndAt,omitempty"`
	ScheduledChecks []*ScheduledCheck `json:"scheduledChecks,omitempty"`
	NextCheckAt     int64             `json:"nextCheckAt,omitempty"`

	PaymentTxHash string `json:"paymentTxHash,omitempty"`
	PaidAt        int64  `json:"paidAt,omitempty"`
	PayoutTxHash  string `json:"payoutTxHash,omitempty"`
	PayoutAt      int64  `json:"payoutAt,omitempty"`
	RefundTxHash  string `json:"refundTxHash,omitempty"`
	RefundedAt    int64  `json:"refundedAt,omitempty"`
}

var MemoRegex = regexp.MustCompile(`^deal_[0-9a-f]{16}$`)

// NewDealMemo generates the payment memo embedded in the on-chain
// transfer comment. 8 random bytes gives us 16 hex chars; collisions
// across all deals ever created are not a practical concern at that
// size, and the memo index bucket would reject a dupe anyway.
func NewDealMemo() string {
	return "deal_" + misc.RandHex(8)
}

func NewCampaignMemo() string {
	return "campaign_" + misc.RandHex(6)
}

// NextIncompleteCheck returns the earliest incomplete entry, or nil if
// the schedule is exhausted.
func (d *Deal) NextIncompleteCheck() *ScheduledCheck {
	for _, sc := range d.ScheduledChecks {
		if !sc.Completed {
			return sc
		}
	}
	return nil
}

// Expired reports whether the payment window has elapsed.
func (d *Deal) Expired(now time.Time) bool {
	return d.ExpiresAt > 0 && now.Unix() > d.ExpiresAt
}

func GetDealTx(tx *bolt.Tx, cfg *config.Config, id string) *Deal {
	var d Deal
	if err := misc.GetTxJson(tx, cfg.Bucket.Deal, id, &d); err != nil {
		return nil
	}
	return &d
}

func GetDeal(db *bolt.DB, cfg *config.Config, id string) *Deal {
	var d *Deal
	db.View(func(tx *bolt.Tx) error {
		d = GetDealTx(tx, cfg, id)
		return nil
	})
	return d
}

// GetDealByMemoTx resolves a payment memo through the memo index
// bucket. A miss returns nil -- the transfer may belong to an unrelated
// wallet operation and is not an error.
func GetDealByMemoTx(tx *bolt.Tx, cfg *config.Config, memo string) *Deal {
	id := misc.GetBucket(tx, cfg.Bucket.DealMemo).Get([]byte(memo))
	if len(id) == 0 {
		return nil
	}
	return GetDealTx(tx, cfg, string(id))
}

// ForEachDeal walks the deal bucket read-only. The callback returning
// an error does not stop the walk; sweeps isolate per-item failures.
func ForEachDeal(db *bolt.DB, cfg *config.Config, fn func(*Deal)) {
	if err := db.View(func(tx *bolt.Tx) error {
		return misc.GetBucket(tx, cfg.Bucket.Deal).ForEach(func(k, v []byte) error {
			var d Deal
			if err := json.Unmarshal(v, &d); err != nil {
				log.Println("error when unmarshalling deal", string(k))
				return nil
			}
			fn(&d)
			return nil
		})
	}); err != nil {
		log.Println("Err walking deals", err)
	}
}

// SaveDealTx writes the deal and keeps the memo index in sync. Only
// used for creation and for non-status fields; status changes go
// through TransitionTx.
func SaveDealTx(tx *bolt.Tx, cfg *config.Config, d *Deal) error {
	if d.Id == "" {
		return misc.ErrMissingId
	}
	if d.PaymentMemo != "" {
		if err := misc.GetBucket(tx, cfg.Bucket.DealMemo).Put([]byte(d.PaymentMemo), []byte(d.Id)); err != nil {
			return err
		}
	}
	return misc.PutTxJson(tx, cfg.Bucket.Deal, d.Id, d)
}
