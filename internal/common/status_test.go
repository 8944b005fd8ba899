package common

import (
	"testing"

	"github.com/boltdb/bolt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
)

func testConfig(dir string) *config.Config {
	cfg := &config.Config{
		Sandbox:              true,
		DBPath:               dir,
		DBName:               "test.db",
		PaymentWindowMins:    30,
		AutoApproveThreshold: decimal.NewFromInt(100),
		PayoutRetryLimit:     3,
	}
	cfg.TON.PlatformWallet = "EQplatform"
	cfg.Bucket.Deal = "deal"
	cfg.Bucket.DealMemo = "dealMemo"
	cfg.Bucket.Campaign = "campaign"
	cfg.Bucket.CampaignMemo = "campaignMemo"
	cfg.Bucket.Payout = "payout"
	cfg.Bucket.ChainSeen = "chainSeen"
	cfg.Bucket.Wallet = "wallet"
	cfg.Bucket.All = []string{"deal", "dealMemo", "campaign", "campaignMemo", "payout", "chainSeen", "wallet", "index"}
	return cfg
}

func testDB(t *testing.T) (*bolt.DB, *config.Config) {
	t.Helper()
	cfg := testConfig(t.TempDir())
	db := misc.OpenDB(cfg.DBPath, cfg.DBName)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		for _, b := range cfg.Bucket.All {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return misc.InitIndex(tx, cfg.Bucket.Payout, 1)
	}))
	t.Cleanup(func() { db.Close() })
	return db, cfg
}

func TestLegalTransitions(t *testing.T) {
	assert.True(t, StatusDraft.CanTransitionTo(StatusFunded))
	assert.True(t, StatusFunded.CanTransitionTo(StatusApproved))
	assert.True(t, StatusPosted.CanTransitionTo(StatusReleased))
	assert.True(t, StatusPosted.CanTransitionTo(StatusCancelled))
	assert.True(t, StatusPayoutPending.CanTransitionTo(StatusReleased))
	assert.True(t, StatusFailedToPost.CanTransitionTo(StatusPendingRefund))

	// Skipping steps or moving backwards is never legal
	assert.False(t, StatusDraft.CanTransitionTo(StatusPosted))
	assert.False(t, StatusPosted.CanTransitionTo(StatusFunded))
	assert.False(t, StatusReleased.CanTransitionTo(StatusDraft))
	assert.False(t, StatusRefunded.CanTransitionTo(StatusFunded))
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []Status{StatusReleased, StatusRefunded, StatusCancelled, StatusRejected, StatusDisputed} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range []Status{StatusDraft, StatusFunded, StatusPosted, StatusPayoutPending, StatusPendingRefund} {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestTransitionGuards(t *testing.T) {
	db, cfg := testDB(t)

	d := &Deal{
		Id:          "d1",
		PaymentMemo: NewDealMemo(),
		Status:      StatusDraft,
		Price:       decimal.NewFromInt(10),
		Currency:    CurrencyTON,
	}
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return SaveDealTx(tx, cfg, d)
	}))

	// Wrong expected status is a conflict, not a write
	_, err := Transition(db, cfg, "d1", StatusFunded, StatusApproved, nil)
	assert.Equal(t, ErrStatusConflict, err)

	updated, err := Transition(db, cfg, "d1", StatusDraft, StatusFunded, func(d *Deal) {
		d.PaymentTxHash = "abc"
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, updated.Status)
	assert.Equal(t, "abc", updated.PaymentTxHash)
	assert.NotZero(t, updated.StatusUpdatedAt)

	// Replay of the same transition loses cleanly
	_, err = Transition(db, cfg, "d1", StatusDraft, StatusFunded, nil)
	assert.Equal(t, ErrStatusConflict, err)

	// Illegal edges are rejected even with the right expected status
	_, err = Transition(db, cfg, "d1", StatusFunded, StatusPosted, nil)
	assert.Equal(t, ErrIllegalTransition, err)

	_, err = Transition(db, cfg, "missing", StatusDraft, StatusFunded, nil)
	assert.Error(t, err)
}

func TestConcurrentTransitionSingleWinner(t *testing.T) {
	db, cfg := testDB(t)

	d := &Deal{Id: "d2", PaymentMemo: NewDealMemo(), Status: StatusDraft}
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return SaveDealTx(tx, cfg, d)
	}))

	const n = 16
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := Transition(db, cfg, "d2", StatusDraft, StatusFunded, nil)
			results <- err
		}()
	}

	var wins, conflicts int
	for i := 0; i < n; i++ {
		switch err := <-results; err {
		case nil:
			wins++
		case ErrStatusConflict:
			conflicts++
		default:
			t.Fatal(err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}
