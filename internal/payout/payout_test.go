package payout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/common"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/platforms/ton"
)

// fakeChain counts broadcasts and can be told to fail the next N.
type fakeChain struct {
	mux      sync.Mutex
	sent     int
	failNext int
}

func (f *fakeChain) GetTransactions(limit int) ([]*ton.Transaction, error) { return nil, nil }

func (f *fakeChain) GetTransaction(hash string) (*ton.Transaction, error) {
	return nil, ton.ErrNotFound
}

func (f *fakeChain) ResolveJettonWallet(owner, master string) (string, error) {
	return "EQjetton", nil
}

func (f *fakeChain) SendTransfer(ctx context.Context, to string, amount decimal.Decimal, currency, memo string) (string, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return "", errors.New("broadcast rejected")
	}
	f.sent++
	return "hash_" + memo, nil
}

func (f *fakeChain) sentCount() int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.sent
}

func testQueue(t *testing.T, chain ton.Client) (*Queue, *bolt.DB, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		Sandbox:              true,
		DBPath:               t.TempDir(),
		DBName:               "test.db",
		AutoApproveThreshold: decimal.NewFromInt(100),
		PayoutRetryLimit:     3,
	}
	cfg.Bucket.Deal = "deal"
	cfg.Bucket.DealMemo = "dealMemo"
	cfg.Bucket.Payout = "payout"
	cfg.Bucket.All = []string{"deal", "dealMemo", "payout", "index"}

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
	return NewQueue(db, cfg, chain), db, cfg
}

func TestEnqueueAutoApproveThreshold(t *testing.T) {
	chain := &fakeChain{}
	q, _, _ := testQueue(t, chain)

	// At the threshold executes immediately
	p, err := q.Enqueue(common.PayoutTypePayout, "d1", "", "EQowner", decimal.NewFromInt(100), common.CurrencyTON, "release")
	require.NoError(t, err)
	assert.Equal(t, common.PayoutCompleted, p.Status)
	assert.NotEmpty(t, p.TxHash)
	assert.Equal(t, 1, chain.sentCount())

	// Above the threshold waits for a human
	p, err = q.Enqueue(common.PayoutTypePayout, "d2", "", "EQowner", decimal.RequireFromString("100.01"), common.CurrencyTON, "release")
	require.NoError(t, err)
	assert.Equal(t, common.PayoutPendingApproval, p.Status)
	assert.Empty(t, p.TxHash)
	assert.Equal(t, 1, chain.sentCount())
}

func TestEnqueueRequiresRecipient(t *testing.T) {
	q, _, _ := testQueue(t, &fakeChain{})
	_, err := q.Enqueue(common.PayoutTypeRefund, "d1", "", "", decimal.NewFromInt(5), common.CurrencyTON, "refund")
	assert.Equal(t, ErrNoRecipient, err)
}

func TestExecuteIsIdempotent(t *testing.T) {
	chain := &fakeChain{}
	q, _, _ := testQueue(t, chain)

	p, err := q.Enqueue(common.PayoutTypePayout, "d1", "", "EQowner", decimal.NewFromInt(10), common.CurrencyTON, "release")
	require.NoError(t, err)
	require.Equal(t, common.PayoutCompleted, p.Status)

	// Re-executing a completed row never rebroadcasts
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Execute(p.Id))
	}
	assert.Equal(t, 1, chain.sentCount())
}

func TestFailureAndRetrySweep(t *testing.T) {
	chain := &fakeChain{failNext: 2}
	q, _, _ := testQueue(t, chain)

	p, err := q.Enqueue(common.PayoutTypePayout, "d1", "", "EQowner", decimal.NewFromInt(10), common.CurrencyTON, "release")
	require.NoError(t, err)
	assert.Equal(t, common.PayoutFailed, p.Status)
	assert.EqualValues(t, 1, p.RetryCount)

	// First sweep fails again, second one lands it
	assert.EqualValues(t, 1, q.RetrySweep())
	p = q.Get(p.Id)
	assert.Equal(t, common.PayoutFailed, p.Status)
	assert.EqualValues(t, 2, p.RetryCount)

	assert.EqualValues(t, 1, q.RetrySweep())
	p = q.Get(p.Id)
	assert.Equal(t, common.PayoutCompleted, p.Status)
	assert.NotEmpty(t, p.TxHash)

	// Nothing left to retry
	assert.EqualValues(t, 0, q.RetrySweep())
}

func TestRetryBoundIsRespected(t *testing.T) {
	chain := &fakeChain{failNext: 10}
	q, _, _ := testQueue(t, chain)

	p, err := q.Enqueue(common.PayoutTypePayout, "d1", "", "EQowner", decimal.NewFromInt(10), common.CurrencyTON, "release")
	require.NoError(t, err)
	require.Equal(t, common.PayoutFailed, p.Status)

	// Sweeps stop once RetryCount hits the limit; the row stays failed
	for i := 0; i < 5; i++ {
		q.RetrySweep()
	}
	p = q.Get(p.Id)
	assert.Equal(t, common.PayoutFailed, p.Status)
	assert.EqualValues(t, 3, p.RetryCount)

	// Manual approval is the only way past the bound
	chain.mux.Lock()
	chain.failNext = 0
	chain.mux.Unlock()
	require.NoError(t, q.Approve(p.Id))
	assert.Equal(t, common.PayoutCompleted, q.Get(p.Id).Status)
}

func TestRetrySweepReclaimsStrandedProcessing(t *testing.T) {
	chain := &fakeChain{}
	q, db, cfg := testQueue(t, chain)

	// One row claimed by an executor that died mid-broadcast, one
	// claimed moments ago by a live one
	now := time.Now().Unix()
	rows := []*common.PendingPayout{
		{
			Id: "41", Recipient: "EQowner", Amount: decimal.NewFromInt(10),
			Currency: common.CurrencyTON, Type: common.PayoutTypePayout,
			Status:    common.PayoutProcessing,
			CreatedAt: now - 600, UpdatedAt: now - 600,
		},
		{
			Id: "42", Recipient: "EQowner", Amount: decimal.NewFromInt(10),
			Currency: common.CurrencyTON, Type: common.PayoutTypePayout,
			Status:    common.PayoutProcessing,
			CreatedAt: now, UpdatedAt: now,
		},
	}
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		for _, p := range rows {
			if err := misc.PutTxJson(tx, cfg.Bucket.Payout, p.Id, p); err != nil {
				return err
			}
		}
		return nil
	}))

	// The stale row is reclaimed as failed and retried within the same
	// sweep; the fresh one stays owned by its executor
	assert.EqualValues(t, 1, q.RetrySweep())

	got := q.Get("41")
	assert.Equal(t, common.PayoutCompleted, got.Status)
	assert.EqualValues(t, 1, got.RetryCount)
	assert.NotEmpty(t, got.TxHash)
	assert.Equal(t, 1, chain.sentCount())

	assert.Equal(t, common.PayoutProcessing, q.Get("42").Status)

	// A reclaimed row past the retry bound still waits for Approve
	// instead of retrying forever
	stuck := &common.PendingPayout{
		Id: "43", Recipient: "EQowner", Amount: decimal.NewFromInt(10),
		Currency: common.CurrencyTON, Type: common.PayoutTypePayout,
		Status:     common.PayoutProcessing,
		RetryCount: 2,
		CreatedAt:  now - 600, UpdatedAt: now - 600,
	}
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return misc.PutTxJson(tx, cfg.Bucket.Payout, stuck.Id, stuck)
	}))

	assert.EqualValues(t, 0, q.RetrySweep())
	got = q.Get("43")
	assert.Equal(t, common.PayoutFailed, got.Status)
	assert.EqualValues(t, 3, got.RetryCount)

	require.NoError(t, q.Approve("43"))
	assert.Equal(t, common.PayoutCompleted, q.Get("43").Status)
}

func TestApprove(t *testing.T) {
	chain := &fakeChain{}
	q, _, _ := testQueue(t, chain)

	p, err := q.Enqueue(common.PayoutTypePayout, "d1", "", "EQowner", decimal.NewFromInt(500), common.CurrencyTON, "release")
	require.NoError(t, err)
	require.Equal(t, common.PayoutPendingApproval, p.Status)
	assert.Equal(t, 0, chain.sentCount())

	require.NoError(t, q.Approve(p.Id))
	got := q.Get(p.Id)
	assert.Equal(t, common.PayoutCompleted, got.Status)
	assert.Equal(t, 1, chain.sentCount())

	// Approving a completed row is a no-op
	require.NoError(t, q.Approve(p.Id))
	assert.Equal(t, 1, chain.sentCount())

	assert.Equal(t, ErrNotFound, q.Approve("9999"))
}

func TestRefundStampsDealTrail(t *testing.T) {
	chain := &fakeChain{}
	q, db, cfg := testQueue(t, chain)

	d := &common.Deal{
		Id:          "d-refund",
		PaymentMemo: common.NewDealMemo(),
		Status:      common.StatusPendingRefund,
		Price:       decimal.NewFromInt(10),
		Currency:    common.CurrencyTON,
	}
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return common.SaveDealTx(tx, cfg, d)
	}))

	p, err := q.Enqueue(common.PayoutTypeRefund, "d-refund", "", "EQadv", decimal.NewFromInt(10), common.CurrencyTON, "cancelled")
	require.NoError(t, err)
	require.Equal(t, common.PayoutCompleted, p.Status)

	stored := common.GetDeal(db, cfg, "d-refund")
	assert.Equal(t, common.StatusRefunded, stored.Status)
	assert.Equal(t, p.TxHash, stored.RefundTxHash)
	assert.NotZero(t, stored.RefundedAt)
}

func TestPayoutStampsDealTrail(t *testing.T) {
	chain := &fakeChain{}
	q, db, cfg := testQueue(t, chain)

	d := &common.Deal{
		Id:          "d-payout",
		PaymentMemo: common.NewDealMemo(),
		Status:      common.StatusReleased,
		Price:       decimal.NewFromInt(10),
		Currency:    common.CurrencyTON,
	}
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return common.SaveDealTx(tx, cfg, d)
	}))

	p, err := q.Enqueue(common.PayoutTypePayout, "d-payout", "", "EQowner", decimal.NewFromInt(10), common.CurrencyTON, "release")
	require.NoError(t, err)
	require.Equal(t, common.PayoutCompleted, p.Status)

	stored := common.GetDeal(db, cfg, "d-payout")
	assert.Equal(t, common.StatusReleased, stored.Status)
	assert.Equal(t, p.TxHash, stored.PayoutTxHash)
}
