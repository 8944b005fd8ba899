package server

import (
	"log"
	"strconv"
	"time"

	"github.com/boltdb/bolt"
	"github.com/shopspring/decimal"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/common"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/escrow"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/monitor"
)

// autoPostSweep publishes scheduled deals whose agreed time has come.
// Success arms the monitoring schedule; a bot failure routes the deal
// straight into the refund path rather than retrying into a channel
// that rejects us.
func autoPostSweep(srv *Server, now time.Time) {
	var due []*common.Deal
	common.ForEachDeal(srv.db, srv.Cfg, func(d *common.Deal) {
		if d.Status == common.StatusScheduled && d.AgreedPostTime > 0 && d.AgreedPostTime <= now.Unix() {
			due = append(due, d)
		}
	})

	for _, d := range due {
		msgId, err := srv.Bot.PostToChannel(d.ChannelId, d.DraftText)
		if err != nil {
			srv.Alert("Failed to post deal "+d.Id+" to channel "+strconv.FormatInt(d.ChannelId, 10), err)
			failPosting(srv, d)
			continue
		}

		checks := monitor.GenerateSchedule(now, d.DurationHours)
		_, err = common.Transition(srv.db, srv.Cfg, d.Id, common.StatusScheduled, common.StatusPosted, func(d *common.Deal) {
			d.PostedMessageId = msgId
			d.PostedAt = now.Unix()
			d.MonitoringEndAt = now.Add(time.Duration(d.DurationHours) * time.Hour).Unix()
			d.ScheduledChecks = checks
			d.NextCheckAt = checks[0].Time
		})
		if err == common.ErrStatusConflict {
			continue
		}
		if err != nil {
			srv.Alert("Posted deal "+d.Id+" but failed to record it, message "+strconv.Itoa(msgId), err)
			continue
		}

		log.Println("Posted deal", d.Id, "to channel", d.ChannelId, "message", msgId)
	}
}

func failPosting(srv *Server, d *common.Deal) {
	if _, err := common.Transition(srv.db, srv.Cfg, d.Id, common.StatusScheduled, common.StatusFailedToPost, nil); err != nil {
		if err != common.ErrStatusConflict {
			log.Println("Failed to mark deal", d.Id, "as failed to post", err)
		}
		return
	}
	queueRefund(srv, d, "posting to channel failed")
}

// queueRefund moves a deal into pending_refund and books the refund
// row. Campaign-funded deals hand their slot budget back to the pool
// instead of paying the advertiser directly.
func queueRefund(srv *Server, d *common.Deal, reason string) {
	cur := common.GetDeal(srv.db, srv.Cfg, d.Id)
	if cur == nil {
		return
	}

	if _, err := common.Transition(srv.db, srv.Cfg, d.Id, cur.Status, common.StatusPendingRefund, nil); err != nil {
		if err != common.ErrStatusConflict {
			srv.Alert("Failed to move deal "+d.Id+" into refund", err)
		}
		return
	}

	if cur.CampaignId != "" {
		if _, err := escrow.ReleaseSlot(srv.db, srv.Cfg, cur.CampaignId, cur.Price); err != nil {
			srv.Alert("Failed to release slot for refunded deal "+d.Id, err)
		}
		// The escrow pool absorbed the money; nothing to send on chain
		if _, err := common.Transition(srv.db, srv.Cfg, d.Id, common.StatusPendingRefund, common.StatusRefunded, nil); err != nil {
			srv.Alert("Failed to close out campaign-funded refund "+d.Id, err)
		}
		return
	}

	if cur.AdvertiserWallet == "" {
		srv.Alert("Refund for deal "+d.Id+" has no advertiser wallet, needs manual payout", nil)
		return
	}
	if _, err := srv.Payouts.Enqueue(common.PayoutTypeRefund, cur.Id, cur.CampaignId,
		cur.AdvertiserWallet, cur.Price, cur.Currency, reason); err != nil {
		srv.Alert("Failed to queue refund for "+d.Id, err)
	}
}

// runDueChecks is the monitoring sweep: every posted deal with a due
// check gets one invisible existence probe. A vanished post voids the
// deal; surviving the final check releases the payout.
func runDueChecks(srv *Server, now time.Time) {
	var due []*common.Deal
	common.ForEachDeal(srv.db, srv.Cfg, func(d *common.Deal) {
		if d.Status == common.StatusPosted && d.NextCheckAt > 0 && d.NextCheckAt <= now.Unix() {
			due = append(due, d)
		}
	})

	for _, d := range due {
		exists, err := srv.Bot.CheckPostExists(d.ChannelId, d.PostedMessageId)
		if err != nil {
			// Transport trouble is not a deleted post; the check stays
			// due and the next sweep retries it
			log.Println("Existence check failed for deal", d.Id, err)
			continue
		}

		if !exists {
			voidDeletedPost(srv, d)
			continue
		}

		advanceChecks(srv, d, now)
	}
}

func voidDeletedPost(srv *Server, d *common.Deal) {
	if _, err := common.Transition(srv.db, srv.Cfg, d.Id, common.StatusPosted, common.StatusCancelled, nil); err != nil {
		if err != common.ErrStatusConflict {
			srv.Alert("Deal "+d.Id+" post deleted but state update failed", err)
		}
		return
	}

	log.Println("Post for deal", d.Id, "was deleted before its window ended, refunding")

	// Refund runs off the cancelled row directly; the pending_refund
	// leg only applies pre-post
	cur := common.GetDeal(srv.db, srv.Cfg, d.Id)
	if cur == nil {
		return
	}
	if cur.CampaignId != "" {
		if _, err := escrow.ReleaseSlot(srv.db, srv.Cfg, cur.CampaignId, cur.Price); err != nil {
			srv.Alert("Failed to release slot for voided deal "+d.Id, err)
		}
	} else if cur.AdvertiserWallet == "" {
		srv.Alert("Voided deal "+d.Id+" has no advertiser wallet for refund", nil)
	} else if _, err := srv.Payouts.Enqueue(common.PayoutTypeRefund, cur.Id, cur.CampaignId,
		cur.AdvertiserWallet, cur.Price, cur.Currency, "post deleted during monitoring window"); err != nil {
		srv.Alert("Failed to queue refund for voided deal "+d.Id, err)
	}

	if cur.OwnerChatId != 0 && srv.Bot != nil {
		srv.Notify("Deal voided:", d.Id+" post was deleted before the agreed duration ended")
	}
}

// advanceChecks marks everything due as done and either re-arms
// NextCheckAt or, after the final check, releases the payout.
func advanceChecks(srv *Server, d *common.Deal, now time.Time) {
	var finished bool
	var fresh *common.Deal
	err := srv.db.Update(func(tx *bolt.Tx) error {
		cur := common.GetDealTx(tx, srv.Cfg, d.Id)
		if cur == nil || cur.Status != common.StatusPosted {
			return common.ErrStatusConflict
		}

		for _, c := range cur.ScheduledChecks {
			if !c.Completed && c.Time <= now.Unix() {
				c.Completed = true
			}
		}
		if next := cur.NextIncompleteCheck(); next != nil {
			cur.NextCheckAt = next.Time
		} else {
			cur.NextCheckAt = 0
			finished = true
		}
		fresh = cur
		return common.SaveDealTx(tx, srv.Cfg, cur)
	})
	if err == common.ErrStatusConflict {
		return
	}
	if err != nil {
		log.Println("Failed to advance checks for deal", d.Id, err)
		return
	}

	if finished {
		releaseDeal(srv, fresh)
	}
}

// releaseDeal pays the channel owner once the post survived its full
// window. No known wallet parks the deal in payout_pending until one
// is registered.
func releaseDeal(srv *Server, d *common.Deal) {
	wallet := resolvePayoutWallet(srv, d)
	if wallet == "" {
		if _, err := common.Transition(srv.db, srv.Cfg, d.Id, common.StatusPosted, common.StatusPayoutPending, nil); err != nil {
			if err != common.ErrStatusConflict {
				srv.Alert("Failed to park deal "+d.Id+" awaiting a payout wallet", err)
			}
			return
		}
		srv.Notify("Deal awaiting wallet:", d.Id+" completed monitoring but the channel has no payout wallet")
		return
	}

	updated, err := common.Transition(srv.db, srv.Cfg, d.Id, common.StatusPosted, common.StatusReleased, func(d *common.Deal) {
		d.PayoutWallet = wallet
	})
	if err != nil {
		if err != common.ErrStatusConflict {
			srv.Alert("Failed to release deal "+d.Id, err)
		}
		return
	}

	if _, err := srv.Payouts.Enqueue(common.PayoutTypePayout, updated.Id, updated.CampaignId,
		wallet, netOfFee(srv, updated.Price), updated.Currency, "monitoring window completed"); err != nil {
		srv.Alert("Released deal "+updated.Id+" but failed to queue its payout", err)
		return
	}

	log.Println("Released deal", updated.Id, "paying", wallet)
}

// netOfFee holds back the platform cut from a release.
func netOfFee(srv *Server, amount decimal.Decimal) decimal.Decimal {
	if srv.Cfg.PlatformFee <= 0 {
		return amount
	}
	fee := amount.Mul(decimal.NewFromFloat(srv.Cfg.PlatformFee))
	return amount.Sub(fee)
}

// releaseParkedDeals drains payout_pending deals for a channel once
// its wallet finally shows up.
func releaseParkedDeals(srv *Server, channelId int64, wallet string) {
	var parked []*common.Deal
	common.ForEachDeal(srv.db, srv.Cfg, func(d *common.Deal) {
		if d.Status == common.StatusPayoutPending && d.ChannelId == channelId {
			parked = append(parked, d)
		}
	})

	for _, d := range parked {
		updated, err := common.Transition(srv.db, srv.Cfg, d.Id, common.StatusPayoutPending, common.StatusReleased, func(d *common.Deal) {
			d.PayoutWallet = wallet
		})
		if err != nil {
			if err != common.ErrStatusConflict {
				srv.Alert("Failed to release parked deal "+d.Id, err)
			}
			continue
		}
		if _, err := srv.Payouts.Enqueue(common.PayoutTypePayout, updated.Id, updated.CampaignId,
			wallet, netOfFee(srv, updated.Price), updated.Currency, "payout wallet registered"); err != nil {
			srv.Alert("Released parked deal "+updated.Id+" but failed to queue its payout", err)
		}
	}
}

// resolvePayoutWallet walks the fallback chain from deal-pinned wallet
// to the channel's registered one.
func resolvePayoutWallet(srv *Server, d *common.Deal) string {
	if d.PayoutWallet != "" {
		return d.PayoutWallet
	}
	if d.ChannelOwnerWallet != "" {
		return d.ChannelOwnerWallet
	}

	var wallet string
	srv.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(srv.Cfg.Bucket.Wallet)); b != nil {
			wallet = string(b.Get([]byte(strconv.FormatInt(d.ChannelId, 10))))
		}
		return nil
	})
	return wallet
}
