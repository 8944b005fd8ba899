package common

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/shopspring/decimal"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
)

const (
	CampaignDraft     = "draft" // Awaiting escrow deposit
	CampaignActive    = "active"
	CampaignFilled    = "filled"
	CampaignExpired   = "expired"
	CampaignCancelled = "cancelled"
)

// Campaign is an advertiser-funded pool distributed across N channel
// slots. SlotsFilled and EscrowAllocated only ever move together,
// through the allocator's conditional update.
type Campaign struct {
	Id           string `json:"id"`
	AdvertiserId string `json:"advertiserId"`

	Title string `json:"title"`
	Brief string `json:"brief,omitempty"`

	PaymentMemo string `json:"paymentMemo"` // campaign_<12 hex>

	Slots       int             `json:"slots"`
	SlotsFilled int             `json:"slotsFilled"`
	PerChannel  decimal.Decimal `json:"perChannelBudget"`
	Currency    string          `json:"currency"`

	EscrowDeposited decimal.Decimal `json:"escrowDeposited"`
	EscrowAllocated decimal.Decimal `json:"escrowAllocated"`

	Status    string `json:"status"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	CreatedAt int64  `json:"createdAt"`

	DepositTxHash   string `json:"depositTxHash,omitempty"`
	DepositorWallet string `json:"depositorWallet,omitempty"` // Refund target for leftover escrow
	FundedAt        int64  `json:"fundedAt,omitempty"`
}

func (cmp *Campaign) EscrowAvailable() decimal.Decimal {
	return cmp.EscrowDeposited.Sub(cmp.EscrowAllocated)
}

func (cmp *Campaign) IsValid() bool {
	return cmp.Status == CampaignActive && cmp.Slots > 0
}

// Campaigns is the live in-memory view of active campaigns, refreshed
// by the engine so browse paths avoid constant unmarshalling.
type Campaigns struct {
	mux   sync.RWMutex
	store map[string]*Campaign
}

func NewCampaigns() *Campaigns {
	return &Campaigns{
		store: make(map[string]*Campaign),
	}
}

func (p *Campaigns) Set(db *bolt.DB, cfg *config.Config) {
	cmps := GetAllActiveCampaigns(db, cfg)
	p.mux.Lock()
	p.store = cmps
	p.mux.Unlock()
}

func (p *Campaigns) SetCampaign(id string, cmp *Campaign) {
	p.mux.Lock()
	p.store[id] = cmp
	p.mux.Unlock()
}

func (p *Campaigns) Delete(id string) {
	p.mux.Lock()
	delete(p.store, id)
	p.mux.Unlock()
}

func (p *Campaigns) GetStore() map[string]*Campaign {
	store := make(map[string]*Campaign)
	p.mux.RLock()
	for cId, cmp := range p.store {
		store[cId] = cmp
	}
	p.mux.RUnlock()
	return store
}

func (p *Campaigns) Get(id string) (*Campaign, bool) {
	p.mux.RLock()
	val, ok := p.store[id]
	p.mux.RUnlock()
	return val, ok
}

func GetAllActiveCampaigns(db *bolt.DB, cfg *config.Config) map[string]*Campaign {
	campaignList := make(map[string]*Campaign)

	if err := db.View(func(tx *bolt.Tx) error {
		tx.Bucket([]byte(cfg.Bucket.Campaign)).ForEach(func(k, v []byte) (err error) {
			cmp := &Campaign{}
			if err := json.Unmarshal(v, cmp); err != nil {
				log.Println("error when unmarshalling campaign", string(v))
				return nil
			}
			if cmp.IsValid() {
				campaignList[cmp.Id] = cmp
			}

			return
		})
		return nil
	}); err != nil {
		log.Println("Err getting all active campaigns", err)
	}
	return campaignList
}

func GetCampaignTx(tx *bolt.Tx, cfg *config.Config, cid string) *Campaign {
	var cmp Campaign
	if err := misc.GetTxJson(tx, cfg.Bucket.Campaign, cid, &cmp); err != nil {
		return nil
	}
	return &cmp
}

func GetCampaign(cid string, db *bolt.DB, cfg *config.Config) *Campaign {
	var cmp *Campaign
	if err := db.View(func(tx *bolt.Tx) error {
		cmp = GetCampaignTx(tx, cfg, cid)
		return nil
	}); err != nil {
		return nil
	}
	return cmp
}

// GetCampaignByMemoTx resolves a deposit memo via the campaign memo
// index bucket.
func GetCampaignByMemoTx(tx *bolt.Tx, cfg *config.Config, memo string) *Campaign {
	id := misc.GetBucket(tx, cfg.Bucket.CampaignMemo).Get([]byte(memo))
	if len(id) == 0 {
		return nil
	}
	return GetCampaignTx(tx, cfg, string(id))
}

func SaveCampaignTx(tx *bolt.Tx, cfg *config.Config, cmp *Campaign) error {
	if cmp.Id == "" {
		return misc.ErrMissingId
	}
	if cmp.PaymentMemo != "" {
		if err := misc.GetBucket(tx, cfg.Bucket.CampaignMemo).Put([]byte(cmp.PaymentMemo), []byte(cmp.Id)); err != nil {
			return err
		}
	}
	return misc.PutTxJson(tx, cfg.Bucket.Campaign, cmp.Id, cmp)
}
