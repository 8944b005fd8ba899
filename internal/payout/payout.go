// Package payout owns the durable queue of money-movement intents and
// their execution against the chain, including the auto-approve
// threshold, bounded retry and the manual approval path.
package payout

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/boltdb/bolt"
	"github.com/shopspring/decimal"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/common"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/platforms/ton"
)

var (
	ErrNotFound     = errors.New("payout not found")
	ErrNotRetryable = errors.New("payout is not in a retryable state")
	ErrNoRecipient  = errors.New("payout has no recipient address")
)

const broadcastWait = 45 * time.Second

// A processing row older than this was claimed by an executor that
// never wrote an outcome (crash mid-broadcast); it is reclaimed as
// failed so the retry and approval paths apply again.
const staleProcessingAfter = 2 * broadcastWait

type Queue struct {
	db    *bolt.DB
	cfg   *config.Config
	chain ton.Client
}

func NewQueue(db *bolt.DB, cfg *config.Config, chain ton.Client) *Queue {
	return &Queue{db: db, cfg: cfg, chain: chain}
}

// Enqueue inserts a money-movement intent. Amounts at or below the
// auto-approve threshold start pending and are executed immediately;
// anything larger waits for manual approval.
func (q *Queue) Enqueue(typ, dealId, campaignId, recipient string, amount decimal.Decimal, currency, reason string) (*common.PendingPayout, error) {
	if recipient == "" {
		return nil, ErrNoRecipient
	}

	p := &common.PendingPayout{
		DealId:     dealId,
		CampaignId: campaignId,
		Recipient:  recipient,
		Amount:     amount,
		Currency:   currency,
		Type:       typ,
		Status:     common.PayoutPending,
		Reason:     reason,
		CreatedAt:  time.Now().Unix(),
	}

	if amount.GreaterThan(q.cfg.AutoApproveThreshold) {
		p.Status = common.PayoutPendingApproval
	}

	if err := q.db.Update(func(tx *bolt.Tx) (err error) {
		if p.Id, err = misc.GetNextIndex(tx, q.cfg.Bucket.Payout); err != nil {
			return
		}
		return misc.PutTxJson(tx, q.cfg.Bucket.Payout, p.Id, p)
	}); err != nil {
		return nil, err
	}

	if p.Status == common.PayoutPending {
		if err := q.Execute(p.Id); err != nil {
			// Recorded as failed on the row; the retry sweep owns it now
			log.Println("Auto-execution failed for payout", p.Id, err)
		}
	}

	return q.Get(p.Id), nil
}

func (q *Queue) Get(id string) *common.PendingPayout {
	var p common.PendingPayout
	if err := q.db.View(func(tx *bolt.Tx) error {
		return misc.GetTxJson(tx, q.cfg.Bucket.Payout, id, &p)
	}); err != nil {
		return nil
	}
	return &p
}

// Execute broadcasts the transfer for a queued payout. Idempotent: a
// completed row returns success without touching the chain. The row is
// moved to processing first so a crash mid-broadcast is visible, and
// the submission hash is recorded the moment we have it.
func (q *Queue) Execute(id string) error {
	var p *common.PendingPayout

	// Claim the row. The status write is guarded on the prior status so
	// two concurrent executors cannot both broadcast.
	err := q.db.Update(func(tx *bolt.Tx) error {
		var cur common.PendingPayout
		if err := misc.GetTxJson(tx, q.cfg.Bucket.Payout, id, &cur); err != nil {
			return ErrNotFound
		}

		switch cur.Status {
		case common.PayoutCompleted:
			return nil
		case common.PayoutProcessing:
			return ErrNotRetryable
		}

		cur.Status = common.PayoutProcessing
		cur.UpdatedAt = time.Now().Unix()
		if err := misc.PutTxJson(tx, q.cfg.Bucket.Payout, cur.Id, &cur); err != nil {
			return err
		}
		p = &cur
		return nil
	})
	if err != nil {
		return err
	}
	if p == nil {
		// Was already completed
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), broadcastWait)
	defer cancel()

	memo := p.Type + "_" + p.Id
	hash, serr := q.chain.SendTransfer(ctx, p.Recipient, p.Amount, p.Currency, memo)

	return q.db.Update(func(tx *bolt.Tx) error {
		var cur common.PendingPayout
		if err := misc.GetTxJson(tx, q.cfg.Bucket.Payout, id, &cur); err != nil {
			return ErrNotFound
		}

		now := time.Now().Unix()
		if serr != nil {
			cur.Status = common.PayoutFailed
			cur.RetryCount++
			cur.Reason = serr.Error()
			cur.UpdatedAt = now
			log.Println("Payout execution failed", cur.Id, serr)
			return misc.PutTxJson(tx, q.cfg.Bucket.Payout, cur.Id, &cur)
		}

		cur.Status = common.PayoutCompleted
		cur.TxHash = hash
		cur.ExecutedAt = now
		cur.UpdatedAt = now
		if err := misc.PutTxJson(tx, q.cfg.Bucket.Payout, cur.Id, &cur); err != nil {
			return err
		}

		q.stampDealTrail(tx, &cur)
		return nil
	})
}

// stampDealTrail writes the tx hash back onto the linked deal and
// finishes the pending_refund leg of the state machine. Trail stamping
// failures are logged, never propagated -- the money already moved.
func (q *Queue) stampDealTrail(tx *bolt.Tx, p *common.PendingPayout) {
	if p.DealId == "" {
		return
	}

	d := common.GetDealTx(tx, q.cfg, p.DealId)
	if d == nil {
		log.Println("Completed payout references missing deal", p.Id, p.DealId)
		return
	}

	now := time.Now().Unix()
	switch p.Type {
	case common.PayoutTypeRefund:
		d.RefundTxHash = p.TxHash
		d.RefundedAt = now
		if d.Status == common.StatusPendingRefund {
			d.Status = common.StatusRefunded
			d.StatusUpdatedAt = now
		}
	default:
		d.PayoutTxHash = p.TxHash
		d.PayoutAt = now
	}

	if err := misc.PutTxJson(tx, q.cfg.Bucket.Deal, d.Id, d); err != nil {
		log.Println("Failed to stamp deal trail", d.Id, err)
	}
}

// reclaimStale fails processing rows whose broadcast deadline has long
// passed. The outcome of the lost broadcast is unknown, so the row is
// not retried silently: it lands on failed with a loud reason and the
// normal retry/approve paths take over.
func (q *Queue) reclaimStale(now int64) {
	var stale []string

	q.db.View(func(tx *bolt.Tx) error {
		return misc.GetBucket(tx, q.cfg.Bucket.Payout).ForEach(func(k, v []byte) error {
			var p common.PendingPayout
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			if p.Status == common.PayoutProcessing && p.UpdatedAt > 0 &&
				now-p.UpdatedAt > int64(staleProcessingAfter/time.Second) {
				stale = append(stale, p.Id)
			}
			return nil
		})
	})

	for _, id := range stale {
		err := q.db.Update(func(tx *bolt.Tx) error {
			var cur common.PendingPayout
			if err := misc.GetTxJson(tx, q.cfg.Bucket.Payout, id, &cur); err != nil {
				return err
			}
			if cur.Status != common.PayoutProcessing {
				return nil
			}
			cur.Status = common.PayoutFailed
			cur.RetryCount++
			cur.Reason = "stranded in processing past the broadcast deadline"
			cur.UpdatedAt = now
			return misc.PutTxJson(tx, q.cfg.Bucket.Payout, cur.Id, &cur)
		})
		if err != nil {
			log.Println("Failed to reclaim stranded payout", id, err)
			continue
		}
		log.Println("Reclaimed stranded payout", id)
	}
}

// RetrySweep re-executes failed payouts that have retries left. Rows at
// the bound stay failed until someone calls Approve. Stranded
// processing rows are reclaimed first so the same sweep can retry them.
func (q *Queue) RetrySweep() (retried int32) {
	q.reclaimStale(time.Now().Unix())

	var due []string

	q.db.View(func(tx *bolt.Tx) error {
		return misc.GetBucket(tx, q.cfg.Bucket.Payout).ForEach(func(k, v []byte) error {
			var p common.PendingPayout
			if err := json.Unmarshal(v, &p); err != nil {
				log.Println("error when unmarshalling payout", string(k))
				return nil
			}
			if p.Status == common.PayoutFailed && p.RetryCount < q.cfg.PayoutRetryLimit {
				due = append(due, p.Id)
			}
			return nil
		})
	})

	for _, id := range due {
		if err := q.Execute(id); err != nil {
			log.Println("Retry failed for payout", id, err)
			continue
		}
		retried++
	}
	return
}

// Approve is the manual operator path: runs a pending_approval row, or
// a failed one that exhausted its retries.
func (q *Queue) Approve(id string) error {
	p := q.Get(id)
	if p == nil {
		return ErrNotFound
	}

	switch p.Status {
	case common.PayoutPendingApproval, common.PayoutFailed:
		return q.Execute(id)
	case common.PayoutCompleted:
		return nil
	}
	return ErrNotRetryable
}

// All returns every queued payout; used by the admin surface.
func (q *Queue) All() []*common.PendingPayout {
	var out []*common.PendingPayout
	q.db.View(func(tx *bolt.Tx) error {
		return misc.GetBucket(tx, q.cfg.Bucket.Payout).ForEach(func(k, v []byte) error {
			var p common.PendingPayout
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			out = append(out, &p)
			return nil
		})
	})
	return out
}
