package escrow

import (
	"errors"

	"github.com/boltdb/bolt"
	"github.com/shopspring/decimal"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/common"
)

var (
	ErrCampaignNotFound   = errors.New("campaign not found")
	ErrCampaignInactive   = errors.New("campaign is not active")
	ErrSlotsExhausted     = errors.New("no slots remaining")
	ErrInsufficientEscrow = errors.New("insufficient escrow for slot")

	// ErrSlotUnavailable means a concurrent allocator won the race.
	// Callers surface "slot unavailable" to the applicant; they do not
	// retry blindly.
	ErrSlotUnavailable = errors.New("slot taken by concurrent applicant")
)

// AllocateSlot reserves one channel slot and its per-channel budget
// from the campaign escrow. The read, the checks and the increment run
// inside one write transaction keyed on the observed SlotsFilled, so
// under N concurrent applicants on K slots exactly K succeed.
// Filling the last slot cascades the campaign to filled.
func AllocateSlot(db *bolt.DB, cfg *config.Config, campaignId string, budget decimal.Decimal) (*common.Campaign, error) {
	var out *common.Campaign

	err := db.Update(func(tx *bolt.Tx) error {
		cmp := common.GetCampaignTx(tx, cfg, campaignId)
		if cmp == nil {
			return ErrCampaignNotFound
		}

		if cmp.Status != common.CampaignActive {
			return ErrCampaignInactive
		}
		if cmp.SlotsFilled >= cmp.Slots {
			return ErrSlotsExhausted
		}
		if cmp.EscrowAvailable().LessThan(budget) {
			return ErrInsufficientEscrow
		}

		cmp.SlotsFilled++
		cmp.EscrowAllocated = cmp.EscrowAllocated.Add(budget)
		if cmp.SlotsFilled == cmp.Slots {
			cmp.Status = common.CampaignFilled
		}

		if err := common.SaveCampaignTx(tx, cfg, cmp); err != nil {
			return err
		}
		out = cmp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TryAllocateSlot is the optimistic form used when the caller decided
// off a possibly stale read (the campaigns cache): the observed
// SlotsFilled must still match or the allocation is refused as lost to
// a concurrent applicant.
func TryAllocateSlot(db *bolt.DB, cfg *config.Config, campaignId string, observedFilled int, budget decimal.Decimal) (*common.Campaign, error) {
	var out *common.Campaign

	err := db.Update(func(tx *bolt.Tx) error {
		cmp := common.GetCampaignTx(tx, cfg, campaignId)
		if cmp == nil {
			return ErrCampaignNotFound
		}

		if cmp.SlotsFilled != observedFilled {
			return ErrSlotUnavailable
		}
		if cmp.SlotsFilled >= cmp.Slots {
			return ErrSlotsExhausted
		}
		if cmp.Status != common.CampaignActive {
			return ErrCampaignInactive
		}
		if cmp.EscrowAvailable().LessThan(budget) {
			return ErrInsufficientEscrow
		}

		cmp.SlotsFilled++
		cmp.EscrowAllocated = cmp.EscrowAllocated.Add(budget)
		if cmp.SlotsFilled == cmp.Slots {
			cmp.Status = common.CampaignFilled
		}

		if err := common.SaveCampaignTx(tx, cfg, cmp); err != nil {
			return err
		}
		out = cmp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseSlot is the inverse of AllocateSlot, used when a campaign deal
// is cancelled or rejected. Reopens a filled campaign.
func ReleaseSlot(db *bolt.DB, cfg *config.Config, campaignId string, budget decimal.Decimal) (*common.Campaign, error) {
	var out *common.Campaign

	err := db.Update(func(tx *bolt.Tx) error {
		cmp := common.GetCampaignTx(tx, cfg, campaignId)
		if cmp == nil {
			return ErrCampaignNotFound
		}

		if cmp.SlotsFilled > 0 {
			cmp.SlotsFilled--
		}
		cmp.EscrowAllocated = cmp.EscrowAllocated.Sub(budget)
		if cmp.EscrowAllocated.IsNegative() {
			cmp.EscrowAllocated = decimal.Zero
		}
		if cmp.Status == common.CampaignFilled {
			cmp.Status = common.CampaignActive
		}

		if err := common.SaveCampaignTx(tx, cfg, cmp); err != nil {
			return err
		}
		out = cmp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
