package server

import (
	"log"
	"time"

	"github.com/boltdb/bolt"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/common"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/escrow"
)

// Sweep cadences. The chain poll, monitoring and payout retry loops
// can be tuned from config; the housekeeping loops cannot.
const (
	defaultPollSecs       = 60
	defaultMonitoringSecs = 60
	defaultRetrySecs      = 5 * 60

	cacheRefreshEvery  = 5 * time.Minute
	windowExpiryEvery  = 10 * time.Minute
	campaignSweepEvery = time.Hour
)

func secsOr(v int32, def int32) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// newEngine starts the background loops. Every sweep is independent
// and survives individual item failures; a dead ticker goroutine would
// silently stall settlements, so nothing here ever panics upward.
func newEngine(srv *Server) error {
	srv.Campaigns.Set(srv.db, srv.Cfg)

	if srv.Cfg.Sandbox {
		// Tests drive the sweeps by hand
		return nil
	}

	go func() {
		for range time.Tick(cacheRefreshEvery) {
			srv.Campaigns.Set(srv.db, srv.Cfg)
		}
	}()

	go func() {
		for range time.Tick(secsOr(srv.Cfg.PollInterval, defaultPollSecs)) {
			if _, err := pollChain(srv); err != nil {
				log.Println("Chain poll sweep errored out", err)
			}
		}
	}()

	go func() {
		for range time.Tick(secsOr(srv.Cfg.MonitoringInterval, defaultMonitoringSecs)) {
			now := time.Now()
			autoPostSweep(srv, now)
			runDueChecks(srv, now)
		}
	}()

	go func() {
		for range time.Tick(secsOr(srv.Cfg.RetryInterval, defaultRetrySecs)) {
			if n := srv.Payouts.RetrySweep(); n > 0 {
				log.Println("Retried", n, "failed payouts")
			}
		}
	}()

	go func() {
		for range time.Tick(windowExpiryEvery) {
			expirePaymentWindows(srv, time.Now())
		}
	}()

	go func() {
		for range time.Tick(campaignSweepEvery) {
			expireCampaigns(srv, time.Now())
		}
	}()

	return nil
}

// pollChain is the safety net under the webhook: pull recent inbound
// transfers and reconcile anything the notifier never delivered.
// Returns how many transfers were newly confirmed.
func pollChain(srv *Server) (int, error) {
	txs, err := srv.Chain.GetTransactions(50)
	if err != nil {
		return 0, err
	}

	var confirmed int
	for _, tx := range txs {
		nt := srv.Normalizer.Normalize(tx)
		if nt == nil || srv.Reconciler.Seen(nt.TxHash) {
			continue
		}

		deal, err := srv.Reconciler.Confirm(nt)
		switch err {
		case nil, escrow.ErrWindowExpired, escrow.ErrWrongCurrency:
			// Settled: applied, ignorable, or handed to the operator.
			// Only now does the hash leave the poll safety net.
			srv.Reconciler.MarkSeen(nt.TxHash)
		default:
			// Transient; the next sweep retries this transfer
			srv.Alert("Poll-sourced transfer failed to reconcile "+nt.TxHash, err)
			continue
		}
		if deal != nil {
			confirmed++
		}
	}
	return confirmed, nil
}

// expirePaymentWindows cancels draft deals whose payment window ran
// out. A transfer landing after this races the cancel; the reconciler
// treats the loser as a late payment and leaves it to the operator.
func expirePaymentWindows(srv *Server, now time.Time) {
	var stale []string
	common.ForEachDeal(srv.db, srv.Cfg, func(d *common.Deal) {
		if d.Status == common.StatusDraft && d.Expired(now) {
			stale = append(stale, d.Id)
		}
	})

	for _, id := range stale {
		_, err := common.Transition(srv.db, srv.Cfg, id, common.StatusDraft, common.StatusCancelled, nil)
		if err != nil && err != common.ErrStatusConflict {
			log.Println("Failed to expire deal", id, err)
		}
	}
}

// expireCampaigns closes out active campaigns past their deadline and
// queues a refund of whatever escrow was never allocated to a slot.
func expireCampaigns(srv *Server, now time.Time) {
	for _, cmp := range common.GetAllActiveCampaigns(srv.db, srv.Cfg) {
		if cmp.ExpiresAt == 0 || now.Unix() <= cmp.ExpiresAt {
			continue
		}

		leftover := cmp.EscrowAvailable()
		err := srv.db.Update(func(tx *bolt.Tx) error {
			cur := common.GetCampaignTx(tx, srv.Cfg, cmp.Id)
			if cur == nil || cur.Status != common.CampaignActive {
				return nil
			}
			leftover = cur.EscrowAvailable()
			cur.Status = common.CampaignExpired
			return common.SaveCampaignTx(tx, srv.Cfg, cur)
		})
		if err != nil {
			log.Println("Failed to expire campaign", cmp.Id, err)
			continue
		}
		srv.Campaigns.Delete(cmp.Id)

		if leftover.IsPositive() {
			if cmp.DepositorWallet == "" {
				srv.Alert("Expired campaign "+cmp.Id+" has leftover escrow but no depositor wallet", nil)
				continue
			}
			if _, err := srv.Payouts.Enqueue(common.PayoutTypeRefund, "", cmp.Id,
				cmp.DepositorWallet, leftover, cmp.Currency, "campaign expired with unallocated escrow"); err != nil {
				srv.Alert("Failed to queue leftover refund for campaign "+cmp.Id, err)
			}
		}

		srv.Notify("Campaign expired:", cmp.Id+" leftover escrow "+leftover.String()+" "+cmp.Currency)
	}
}
