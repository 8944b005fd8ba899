// Package escrow reconciles untrusted, at-least-once chain payment
// notifications against deal and campaign records, and owns the
// optimistic slot/escrow accounting for campaigns.
package escrow

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/boltdb/bolt"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/common"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/platforms/telegram"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/platforms/ton"
)

var (
	// ErrWindowExpired is terminal: money arrived after the payment
	// window. The deal stays draft and the transfer is logged loudly
	// for manual reconciliation -- late money is never silently kept.
	ErrWindowExpired = errors.New("payment window expired")

	// ErrWrongCurrency is terminal for the same reason: a transfer in
	// the wrong token cannot fund the deal at face value, so it gets
	// the late-payment treatment instead of a warn-and-accept.
	ErrWrongCurrency = errors.New("transfer currency does not match deal")
)

type Reconciler struct {
	db  *bolt.DB
	cfg *config.Config
	bot telegram.Bot

	// Belt and suspenders on top of the status-guarded write: keeps
	// two concurrent deliveries of the same memo from both passing the
	// pre-payment check before either writes.
	memoLocks *common.KeyMutex

	// Poll-sourced tx hashes already handled this process lifetime.
	// The chainSeen bucket backs this across restarts.
	seen *common.BoundedSet
}

func NewReconciler(db *bolt.DB, cfg *config.Config, bot telegram.Bot) *Reconciler {
	return &Reconciler{
		db:        db,
		cfg:       cfg,
		bot:       bot,
		memoLocks: common.NewKeyMutex(),
		seen:      common.NewBoundedSet(2048),
	}
}

// Seen reports whether a poll-sourced tx hash already reached a
// settled outcome. Pure read: callers mark the hash with MarkSeen only
// after Confirm settles, so a transient failure leaves the transfer in
// the poll safety net for the next sweep. Webhook deliveries skip this
// -- their idempotency comes entirely from the status guard.
func (r *Reconciler) Seen(txHash string) bool {
	if txHash == "" {
		return false
	}
	if r.seen.Exists(txHash) {
		return true
	}

	var dup bool
	r.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(r.cfg.Bucket.ChainSeen)); b != nil {
			dup = b.Get([]byte(txHash)) != nil
		}
		return nil
	})
	return dup
}

// MarkSeen durably records a settled tx hash so later polls skip it.
func (r *Reconciler) MarkSeen(txHash string) {
	if txHash == "" {
		return
	}
	r.seen.Add(txHash)
	r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(r.cfg.Bucket.ChainSeen)).Put([]byte(txHash), []byte{1})
	})
}

// Confirm matches a normalized transfer's memo against a pending deal
// or campaign and applies the funding transition. Unknown memos and
// duplicate deliveries return (nil, nil): both are ignorable by design.
// No lock is held across the whole flow; correctness rests on the
// conditional update inside the funding write.
func (r *Reconciler) Confirm(nt *ton.NormalizedTransfer) (*common.Deal, error) {
	if nt == nil || nt.Memo == "" {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(nt.Memo, "deal_"):
		return r.confirmDeal(nt)
	case strings.HasPrefix(nt.Memo, "campaign_"):
		return nil, r.confirmCampaign(nt)
	default:
		// Unrelated wallet traffic
		return nil, nil
	}
}

func (r *Reconciler) confirmDeal(nt *ton.NormalizedTransfer) (*common.Deal, error) {
	if !r.memoLocks.TryLock(nt.Memo) {
		// A concurrent delivery of this memo is mid-flight; it will do
		// the work
		return nil, nil
	}
	defer r.memoLocks.Unlock(nt.Memo)

	var found *common.Deal
	r.db.View(func(tx *bolt.Tx) error {
		found = common.GetDealByMemoTx(tx, r.cfg, nt.Memo)
		return nil
	})

	if found == nil {
		log.Println("Unknown payment memo, ignoring", nt.Memo, nt.TxHash)
		return nil, nil
	}

	if found.Status != common.StatusDraft {
		if found.PaymentTxHash != "" {
			// Already funded -- the usual webhook/poller race
			return nil, nil
		}
		// Never funded but no longer fundable: the expiry sweep (or a
		// cancel) closed the deal before the money landed
		log.Println("LATE PAYMENT for closed deal, needs manual reconciliation:",
			found.Id, string(found.Status), nt.Memo, nt.TxHash, nt.Amount.String(), nt.Sender)
		return nil, ErrWindowExpired
	}

	if found.Expired(time.Now()) {
		log.Println("LATE PAYMENT, needs manual reconciliation:", nt.Memo, nt.TxHash, nt.Amount.String(), nt.Sender)
		return nil, ErrWindowExpired
	}

	if nt.Currency != found.Currency {
		log.Println("WRONG CURRENCY payment, needs manual reconciliation:", found.Id,
			"want", found.Currency, "got", nt.Amount.String(), nt.Currency, nt.TxHash, nt.Sender)
		return nil, ErrWrongCurrency
	}

	if nt.Amount.LessThan(found.Price) {
		// Underpayment is warned, not blocked: the quoted price does
		// not include the sender-paid network fee margin
		log.Println("Payment amount mismatch for", found.Id,
			"want", found.Price.String(), found.Currency,
			"got", nt.Amount.String(), nt.Currency)
	}

	deal, err := common.Transition(r.db, r.cfg, found.Id, common.StatusDraft, common.StatusFunded, func(d *common.Deal) {
		d.PaymentTxHash = nt.TxHash
		d.PaidAt = time.Now().Unix()
		if d.AdvertiserWallet == "" {
			d.AdvertiserWallet = nt.Sender
		}
	})
	if err == common.ErrStatusConflict {
		// The other feed beat us to it
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Campaign-funded deals additionally reserve a slot from the pool
	if deal.CampaignId != "" {
		if _, aerr := AllocateSlot(r.db, r.cfg, deal.CampaignId, deal.Price); aerr != nil {
			log.Println("Slot allocation failed for funded deal", deal.Id, aerr)
		}
	}

	telegram.Announce(r.bot, deal.AdvertiserChatId,
		fmt.Sprintf("Payment received! Deal %s is funded with %s %s.", deal.Id, deal.Price.String(), deal.Currency))
	telegram.Announce(r.bot, deal.OwnerChatId,
		fmt.Sprintf("A new funded deal %s is waiting for your review.", deal.Id))

	return deal, nil
}

// confirmCampaign applies an escrow deposit to a campaign pool.
// Campaigns take any number of deposits and hold no pre-payment status
// the way deals do, so every applied tx hash is recorded in the
// chainSeen bucket inside the same write tx -- a redelivery of an old
// deposit arriving after newer ones must still read as a duplicate.
func (r *Reconciler) confirmCampaign(nt *ton.NormalizedTransfer) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		cmp := common.GetCampaignByMemoTx(tx, r.cfg, nt.Memo)
		if cmp == nil {
			log.Println("Unknown campaign memo, ignoring", nt.Memo, nt.TxHash)
			return nil
		}

		applied := tx.Bucket([]byte(r.cfg.Bucket.ChainSeen))
		if applied.Get([]byte(nt.TxHash)) != nil {
			return nil
		}

		if cmp.Status != common.CampaignDraft && cmp.Status != common.CampaignActive {
			log.Println("Deposit for non-fundable campaign", cmp.Id, cmp.Status, nt.TxHash)
			return nil
		}

		if cmp.ExpiresAt > 0 && time.Now().Unix() > cmp.ExpiresAt {
			log.Println("LATE CAMPAIGN DEPOSIT, needs manual reconciliation:", nt.Memo, nt.TxHash)
			return ErrWindowExpired
		}

		cmp.EscrowDeposited = cmp.EscrowDeposited.Add(nt.Amount)
		cmp.DepositTxHash = nt.TxHash
		if cmp.DepositorWallet == "" {
			cmp.DepositorWallet = nt.Sender
		}
		if cmp.Status == common.CampaignDraft {
			cmp.Status = common.CampaignActive
			cmp.FundedAt = time.Now().Unix()
		}

		if err := applied.Put([]byte(nt.TxHash), []byte{1}); err != nil {
			return err
		}
		return common.SaveCampaignTx(tx, r.cfg, cmp)
	})
}
