package common

import (
	"errors"
	"time"

	"github.com/boltdb/bolt"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
)

// Deal lifecycle. The happy path is linear; everything else is a side
// exit. Nobody writes Deal.Status directly -- all writes go through
// TransitionTx so the legal-transition table and the status guard are
// enforced in one place.
type Status string

const (
	StatusDraft            Status = "draft" // Created, awaiting on-chain payment
	StatusFunded           Status = "funded"
	StatusApproved         Status = "approved" // Channel owner accepted the funded deal
	StatusDraftPending     Status = "draft_pending"
	StatusDraftSubmitted   Status = "draft_submitted"
	StatusChangesRequested Status = "changes_requested"
	StatusScheduling       Status = "scheduling"
	StatusScheduled        Status = "scheduled"
	StatusPosted           Status = "posted"
	StatusReleased         Status = "released"
	StatusPayoutPending    Status = "payout_pending" // Monitoring passed but no payout wallet resolvable
	StatusPendingRefund    Status = "pending_refund"
	StatusRefunded         Status = "refunded"
	StatusCancelled        Status = "cancelled"
	StatusRejected         Status = "rejected"
	StatusFailedToPost     Status = "failed_to_post"
	StatusDisputed         Status = "disputed"
)

var (
	// ErrStatusConflict means a concurrent actor already consumed the
	// transition. It is benign: callers treat it as "someone else did
	// my job" and move on.
	ErrStatusConflict    = errors.New("deal status changed by concurrent actor")
	ErrIllegalTransition = errors.New("illegal status transition")
)

var legalTransitions = map[Status][]Status{
	StatusDraft:            {StatusFunded, StatusCancelled, StatusRejected},
	StatusFunded:           {StatusApproved, StatusRejected, StatusCancelled, StatusPendingRefund},
	StatusApproved:         {StatusDraftPending, StatusCancelled, StatusPendingRefund},
	StatusDraftPending:     {StatusDraftSubmitted, StatusCancelled, StatusPendingRefund},
	StatusDraftSubmitted:   {StatusScheduling, StatusChangesRequested, StatusRejected, StatusPendingRefund},
	StatusChangesRequested: {StatusDraftSubmitted, StatusCancelled, StatusPendingRefund},
	StatusScheduling:       {StatusScheduled, StatusCancelled, StatusPendingRefund},
	StatusScheduled:        {StatusPosted, StatusFailedToPost, StatusCancelled, StatusPendingRefund},
	StatusPosted:           {StatusReleased, StatusPayoutPending, StatusCancelled, StatusDisputed},
	StatusPayoutPending:    {StatusReleased},
	StatusPendingRefund:    {StatusRefunded},
	StatusFailedToPost:     {StatusPendingRefund},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, t := range legalTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the deal can never leave this status.
func (s Status) IsTerminal() bool {
	return len(legalTransitions[s]) == 0
}

// IsPrePost reports whether the content has not been published yet,
// i.e. a cancellation does not need the monitoring path.
func (s Status) IsPrePost() bool {
	switch s {
	case StatusDraft, StatusFunded, StatusApproved, StatusDraftPending,
		StatusDraftSubmitted, StatusChangesRequested, StatusScheduling, StatusScheduled:
		return true
	}
	return false
}

// TransitionTx moves a deal from one status to another inside the given
// write transaction. The deal row is re-read and the current status
// compared against the expected one; a mismatch returns
// ErrStatusConflict without writing anything. Since bolt serializes
// write transactions this is an atomic conditional update -- the sole
// concurrency control for deal status.
//
// The mutate callback (optional) runs on the freshly read row after the
// guard passes, so callers can set payment hashes etc. under the same
// guard.
func TransitionTx(tx *bolt.Tx, cfg *config.Config, dealId string, from, to Status, mutate func(*Deal)) (*Deal, error) {
	if !from.CanTransitionTo(to) {
		return nil, ErrIllegalTransition
	}

	var d Deal
	if err := misc.GetTxJson(tx, cfg.Bucket.Deal, dealId, &d); err != nil {
		return nil, err
	}

	if d.Status != from {
		return nil, ErrStatusConflict
	}

	d.Status = to
	d.StatusUpdatedAt = time.Now().Unix()
	if mutate != nil {
		mutate(&d)
	}

	if err := misc.PutTxJson(tx, cfg.Bucket.Deal, d.Id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Transition is the one-shot form of TransitionTx.
func Transition(db *bolt.DB, cfg *config.Config, dealId string, from, to Status, mutate func(*Deal)) (*Deal, error) {
	var out *Deal
	err := db.Update(func(tx *bolt.Tx) (err error) {
		out, err = TransitionTx(tx, cfg, dealId, from, to, mutate)
		return
	})
	return out, err
}
