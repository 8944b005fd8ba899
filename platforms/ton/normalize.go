package ton

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
)

// NormalizedTransfer is the single shape both notification sources are
// reduced to before reconciliation. The adapter is a pure transform;
// de-duplication and all side effects belong to the reconciler.
type NormalizedTransfer struct {
	Sender    string
	Recipient string
	Amount    decimal.Decimal
	Currency  string
	Memo      string
	TxHash    string
}

// Normalizer reduces raw chain payloads to NormalizedTransfer. It only
// needs the platform wallet and the recognized jetton master, so it
// works without a live chain client.
type Normalizer struct {
	wallet string
	usdt   string
}

func NewNormalizer(cfg *config.Config) *Normalizer {
	return &Normalizer{
		wallet: cfg.TON.PlatformWallet,
		usdt:   cfg.TON.USDTMaster,
	}
}

// jettonEvent is the provider-specific push shape for token transfers.
type jettonEvent struct {
	Action struct {
		Type           string `json:"type"`
		JettonTransfer struct {
			Sender struct {
				Address string `json:"address"`
			} `json:"sender"`
			Recipient struct {
				Address string `json:"address"`
			} `json:"recipient"`
			Amount  string `json:"amount"`
			Comment string `json:"comment"`
			Jetton  struct {
				Address string `json:"address"`
				Symbol  string `json:"symbol"`
			} `json:"jetton"`
		} `json:"jetton_transfer"`
	} `json:"action"`
	TxHash string `json:"tx_hash"`
}

// Normalize turns a polled or detail-fetched transaction into the
// common transfer shape. Returns nil for anything not addressed to the
// platform wallet or not carrying a recognized token.
func (n *Normalizer) Normalize(tx *Transaction) *NormalizedTransfer {
	if tx == nil || tx.Dest != n.wallet {
		return nil
	}

	nt := &NormalizedTransfer{
		Sender:    tx.Source,
		Recipient: tx.Dest,
		Memo:      strings.TrimSpace(tx.Message),
		TxHash:    tx.Hash,
	}

	if tx.JettonMaster != "" {
		if tx.JettonMaster != n.usdt {
			// Some random jetton someone airdropped at our wallet
			return nil
		}
		nt.Currency = "USDT"
		nt.Amount = FromMinorUnits(tx.JettonAmount, "USDT")
	} else {
		nt.Currency = "TON"
		nt.Amount = FromMinorUnits(tx.Value, "TON")
	}

	if nt.Amount.IsZero() {
		return nil
	}
	return nt
}

// NormalizeJettonEvent parses the provider's jetton webhook body.
// Non-transfer actions, foreign recipients and unknown jetton masters
// all come back nil.
func (n *Normalizer) NormalizeJettonEvent(raw []byte) *NormalizedTransfer {
	var ev jettonEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil
	}

	jt := &ev.Action.JettonTransfer
	if ev.Action.Type != "transfer" || jt.Recipient.Address != n.wallet {
		return nil
	}
	if jt.Jetton.Address != n.usdt {
		return nil
	}

	amount := FromMinorUnits(jt.Amount, "USDT")
	if amount.IsZero() {
		return nil
	}

	return &NormalizedTransfer{
		Sender:    jt.Sender.Address,
		Recipient: jt.Recipient.Address,
		Amount:    amount,
		Currency:  "USDT",
		Memo:      strings.TrimSpace(jt.Comment),
		TxHash:    ev.TxHash,
	}
}
