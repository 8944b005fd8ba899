package common

import (
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDealMemoFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		memo := NewDealMemo()
		assert.Regexp(t, MemoRegex, memo)
		assert.False(t, seen[memo], "memo collision: %s", memo)
		seen[memo] = true
	}

	assert.NotRegexp(t, MemoRegex, "deal_XYZ")
	assert.NotRegexp(t, MemoRegex, "deal_0123")
	assert.NotRegexp(t, MemoRegex, "payment for deal")
}

func TestDealExpired(t *testing.T) {
	now := time.Now()
	d := &Deal{ExpiresAt: now.Add(-time.Minute).Unix()}
	assert.True(t, d.Expired(now))

	d.ExpiresAt = now.Add(time.Minute).Unix()
	assert.False(t, d.Expired(now))

	// No deadline means no expiry
	d.ExpiresAt = 0
	assert.False(t, d.Expired(now))
}

func TestNextIncompleteCheck(t *testing.T) {
	d := &Deal{
		ScheduledChecks: []*ScheduledCheck{
			{Time: 100, Completed: true},
			{Time: 200},
			{Time: 300},
		},
	}
	next := d.NextIncompleteCheck()
	require.NotNil(t, next)
	assert.EqualValues(t, 200, next.Time)

	for _, c := range d.ScheduledChecks {
		c.Completed = true
	}
	assert.Nil(t, d.NextIncompleteCheck())
}

func TestMemoIndexRoundtrip(t *testing.T) {
	db, cfg := testDB(t)

	d := &Deal{Id: "d-memo", PaymentMemo: NewDealMemo(), Status: StatusDraft}
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return SaveDealTx(tx, cfg, d)
	}))

	db.View(func(tx *bolt.Tx) error {
		found := GetDealByMemoTx(tx, cfg, d.PaymentMemo)
		require.NotNil(t, found)
		assert.Equal(t, "d-memo", found.Id)

		assert.Nil(t, GetDealByMemoTx(tx, cfg, "deal_ffffffffffffffff"))
		return nil
	})
}
