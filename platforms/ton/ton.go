// Package ton wraps the chain-side capabilities the settlement engine
// needs: polling recent transfers to the platform wallet, fetching
// detail for thin webhook notifications, resolving jetton sub-wallets
// and broadcasting outgoing transfers through the signing daemon.
package ton

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
)

var (
	ErrMissingWallet = errors.New("platform wallet not configured")
	ErrMissingSigner = errors.New("signing credentials not configured")
	ErrNotFound      = errors.New("transaction not found")
	ErrBroadcast     = errors.New("transfer broadcast rejected")
)

// Client is the chain capability surface consumed by the reconciler and
// the payout executor. Tests swap it for a fake.
type Client interface {
	GetTransactions(limit int) ([]*Transaction, error)
	GetTransaction(hash string) (*Transaction, error)
	ResolveJettonWallet(owner, master string) (string, error)
	SendTransfer(ctx context.Context, to string, amount decimal.Decimal, currency, memo string) (string, error)
}

// Transaction is a raw inbound chain transaction as the indexer reports
// it. In-message only; we never care about our own outgoing legs here.
type Transaction struct {
	Hash    string `json:"hash"`
	Utime   int64  `json:"utime"`
	Source  string `json:"source"`
	Dest    string `json:"destination"`
	Value   string `json:"value"` // Nanotons for native transfers
	Message string `json:"message"`

	// Set when the transfer is a jetton movement rather than native TON
	JettonMaster string `json:"jettonMaster,omitempty"`
	JettonAmount string `json:"jettonAmount,omitempty"` // Minor units (6 decimals for USDT)
}

type TON struct {
	endpoint string
	apiKey   string
	wallet   string
	usdt     string
	seed     string

	client *http.Client
}

func New(cfg *config.Config) (*TON, error) {
	if cfg.TON.PlatformWallet == "" {
		return nil, ErrMissingWallet
	}

	return &TON{
		endpoint: cfg.TON.Endpoint,
		apiKey:   cfg.TON.APIKey,
		wallet:   cfg.TON.PlatformWallet,
		usdt:     cfg.TON.USDTMaster,
		seed:     cfg.TON.WalletSeed,
		client:   &http.Client{Timeout: 20 * time.Second},
	}, nil
}

func (t *TON) Wallet() string {
	return t.wallet
}

type txListResponse struct {
	OK     bool `json:"ok"`
	Result []struct {
		TransactionId struct {
			Hash string `json:"hash"`
		} `json:"transaction_id"`
		Utime int64 `json:"utime"`
		InMsg struct {
			Source      string `json:"source"`
			Destination string `json:"destination"`
			Value       string `json:"value"`
			Message     string `json:"message"`
		} `json:"in_msg"`
	} `json:"result"`
}

// GetTransactions polls the most recent inbound transactions on the
// platform wallet. This is the pull half of the notifier; the webhook
// is the push half, and both race into the reconciler.
func (t *TON) GetTransactions(limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 20
	}

	ep := fmt.Sprintf("%sgetTransactions?address=%s&limit=%d&archival=false",
		t.endpoint, url.QueryEscape(t.wallet), limit)
	if t.apiKey != "" {
		ep += "&api_key=" + t.apiKey
	}

	var resp txListResponse
	if err := misc.HttpGetJson(t.client, ep, &resp); err != nil {
		return nil, err
	}

	var out []*Transaction
	for _, r := range resp.Result {
		if r.InMsg.Source == "" {
			// Outgoing leg or external message; not a deposit
			continue
		}
		out = append(out, &Transaction{
			Hash:    r.TransactionId.Hash,
			Utime:   r.Utime,
			Source:  r.InMsg.Source,
			Dest:    r.InMsg.Destination,
			Value:   r.InMsg.Value,
			Message: r.InMsg.Message,
		})
	}
	return out, nil
}

// GetTransaction is the follow-up detail fetch for thin webhook bodies
// that only carry {accountId, txHash}.
func (t *TON) GetTransaction(hash string) (*Transaction, error) {
	txs, err := t.GetTransactions(50)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		if tx.Hash == hash {
			return tx, nil
		}
	}
	return nil, ErrNotFound
}

type jettonWalletResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		Address string `json:"address"`
	} `json:"result"`
}

// ResolveJettonWallet resolves the token sub-account that actually
// holds a jetton balance for an owner address. Required before any
// jetton payout: the transfer goes to the recipient's jetton wallet,
// not the recipient directly.
func (t *TON) ResolveJettonWallet(owner, master string) (string, error) {
	ep := fmt.Sprintf("%sgetJettonWallet?owner=%s&master=%s",
		t.endpoint, url.QueryEscape(owner), url.QueryEscape(master))
	if t.apiKey != "" {
		ep += "&api_key=" + t.apiKey
	}

	var resp jettonWalletResponse
	if err := misc.HttpGetJson(t.client, ep, &resp); err != nil {
		return "", err
	}
	if !resp.OK || resp.Result.Address == "" {
		return "", ErrNotFound
	}
	return resp.Result.Address, nil
}

type broadcastResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		Hash string `json:"hash"`
	} `json:"result"`
}

// SendTransfer signs and broadcasts an outgoing transfer. Native TON
// goes straight to the recipient; USDT is a jetton-contract transfer
// addressed to the recipient's resolved jetton wallet. The wait is
// bounded by ctx -- we only need the submission acknowledgement and the
// hash, not finality.
func (t *TON) SendTransfer(ctx context.Context, to string, amount decimal.Decimal, currency, memo string) (string, error) {
	if t.seed == "" {
		return "", ErrMissingSigner
	}

	dest := to
	body := fmt.Sprintf(`{"queryId":%q,"to":%q,"memo":%q`, uuid.NewString(), dest, memo)
	switch currency {
	case "USDT":
		jw, err := t.ResolveJettonWallet(to, t.usdt)
		if err != nil {
			return "", err
		}
		body += fmt.Sprintf(`,"jettonWallet":%q,"amount":%q}`, jw, ToMinorUnits(amount, currency))
	default:
		body += fmt.Sprintf(`,"amount":%q}`, ToMinorUnits(amount, currency))
	}

	done := make(chan struct{})
	var (
		resp broadcastResponse
		err  error
	)
	go func() {
		err = misc.Request("POST", t.endpoint+"sendTransfer", body, &resp)
		close(done)
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-done:
	}

	if err != nil {
		return "", err
	}
	if !resp.OK || resp.Result.Hash == "" {
		return "", ErrBroadcast
	}
	return resp.Result.Hash, nil
}

// ToMinorUnits converts a human amount to the chain's integer
// representation: nanotons for TON, 6-decimal minor units for USDT.
func ToMinorUnits(amount decimal.Decimal, currency string) string {
	switch currency {
	case "USDT":
		return amount.Shift(6).Truncate(0).String()
	default:
		return amount.Shift(9).Truncate(0).String()
	}
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(raw string, currency string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	switch currency {
	case "USDT":
		return d.Shift(-6)
	default:
		return d.Shift(-9)
	}
}
