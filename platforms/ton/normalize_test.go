package ton

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
)

func testNormalizer() *Normalizer {
	cfg := &config.Config{}
	cfg.TON.PlatformWallet = "EQplatform"
	cfg.TON.USDTMaster = "EQusdtmaster"
	return NewNormalizer(cfg)
}

func TestNormalizeNativeTransfer(t *testing.T) {
	n := testNormalizer()

	nt := n.Normalize(&Transaction{
		Hash:    "h1",
		Source:  "EQsender",
		Dest:    "EQplatform",
		Value:   "1500000000", // 1.5 TON in nano
		Message: "  deal_0123456789abcdef  ",
	})
	require.NotNil(t, nt)
	assert.Equal(t, "TON", nt.Currency)
	assert.True(t, nt.Amount.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, "deal_0123456789abcdef", nt.Memo, "memo whitespace is trimmed")
	assert.Equal(t, "h1", nt.TxHash)
	assert.Equal(t, "EQsender", nt.Sender)
}

func TestNormalizeRejectsForeignTraffic(t *testing.T) {
	n := testNormalizer()

	assert.Nil(t, n.Normalize(nil))
	assert.Nil(t, n.Normalize(&Transaction{Dest: "EQsomeoneelse", Value: "100"}), "not our wallet")
	assert.Nil(t, n.Normalize(&Transaction{Dest: "EQplatform", Value: "0"}), "zero value")
	assert.Nil(t, n.Normalize(&Transaction{
		Dest:         "EQplatform",
		JettonMaster: "EQscamcoin",
		JettonAmount: "1000000",
	}), "unrecognized jetton")
}

func TestNormalizeUSDT(t *testing.T) {
	n := testNormalizer()

	nt := n.Normalize(&Transaction{
		Hash:         "h2",
		Source:       "EQsender",
		Dest:         "EQplatform",
		JettonMaster: "EQusdtmaster",
		JettonAmount: "25000000", // 25 USDT, six decimals
		Message:      "campaign_0123456789ab",
	})
	require.NotNil(t, nt)
	assert.Equal(t, "USDT", nt.Currency)
	assert.True(t, nt.Amount.Equal(decimal.NewFromInt(25)))
}

func TestNormalizeJettonEvent(t *testing.T) {
	n := testNormalizer()

	raw := []byte(`{
		"action": {
			"type": "transfer",
			"jetton_transfer": {
				"sender": {"address": "EQsender"},
				"recipient": {"address": "EQplatform"},
				"amount": "10500000",
				"comment": "deal_0123456789abcdef",
				"jetton": {"address": "EQusdtmaster", "symbol": "USDT"}
			}
		},
		"tx_hash": "evh1"
	}`)

	nt := n.NormalizeJettonEvent(raw)
	require.NotNil(t, nt)
	assert.Equal(t, "USDT", nt.Currency)
	assert.True(t, nt.Amount.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, "deal_0123456789abcdef", nt.Memo)
	assert.Equal(t, "evh1", nt.TxHash)
}

func TestNormalizeJettonEventRejections(t *testing.T) {
	n := testNormalizer()

	assert.Nil(t, n.NormalizeJettonEvent([]byte(`not json`)))
	assert.Nil(t, n.NormalizeJettonEvent([]byte(`{"action":{"type":"burn"}}`)))
	assert.Nil(t, n.NormalizeJettonEvent([]byte(`{
		"action": {"type": "transfer", "jetton_transfer": {
			"recipient": {"address": "EQother"},
			"amount": "1", "jetton": {"address": "EQusdtmaster"}
		}}}`)))
	assert.Nil(t, n.NormalizeJettonEvent([]byte(`{
		"action": {"type": "transfer", "jetton_transfer": {
			"recipient": {"address": "EQplatform"},
			"amount": "1", "jetton": {"address": "EQscamcoin"}
		}}}`)))
}

func TestMinorUnitsRoundtrip(t *testing.T) {
	for _, tc := range []struct {
		amount   string
		currency string
		minor    string
	}{
		{"1.5", "TON", "1500000000"},
		{"0.000000001", "TON", "1"},
		{"25", "USDT", "25000000"},
		{"0.01", "USDT", "10000"},
	} {
		got := ToMinorUnits(decimal.RequireFromString(tc.amount), tc.currency)
		assert.Equal(t, tc.minor, got, "%s %s", tc.amount, tc.currency)
		back := FromMinorUnits(tc.minor, tc.currency)
		assert.True(t, back.Equal(decimal.RequireFromString(tc.amount)))
	}
}
