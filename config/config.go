package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

func New(loc string) (*Config, error) {
	var c Config

	f, err := os.Open(loc)
	if err != nil {
		log.Println("Config error", err)
		return nil, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&c); err != nil {
		log.Println("Config error", err)
		return nil, err
	}

	// Env overrides for the secrets we never want in the json file
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TON_API_KEY"); v != "" {
		c.TON.APIKey = v
	}
	if v := os.Getenv("TON_WALLET_SEED"); v != "" {
		c.TON.WalletSeed = v
	}

	if c.TON.PlatformWallet == "" {
		return nil, ErrInvalidConfig
	}

	if c.PaymentWindowMins == 0 {
		c.PaymentWindowMins = 30
	}
	if c.AutoApproveThreshold.IsZero() {
		c.AutoApproveThreshold = decimal.NewFromInt(100)
	}
	if c.PayoutRetryLimit == 0 {
		c.PayoutRetryLimit = 3
	}

	return &c, nil
}

type Config struct {
	Host    string `json:"host"`
	Port    string `json:"port"`
	Sandbox bool   `json:"sandbox"`

	DBPath string `json:"dbPath"`
	DBName string `json:"dbName"`

	PaymentWindowMins    int32           `json:"paymentWindowMins"` // How long a draft deal waits for funds
	AutoApproveThreshold decimal.Decimal `json:"autoApproveThreshold"`
	PayoutRetryLimit     int32           `json:"payoutRetryLimit"`
	PlatformFee          float64         `json:"platformFee"` // Fraction held back from releases

	PollInterval       int32 `json:"pollInterval"`       // Chain poll sweep, in seconds
	MonitoringInterval int32 `json:"monitoringInterval"` // Due-check sweep, in seconds
	RetryInterval      int32 `json:"retryInterval"`      // Payout retry sweep, in seconds

	TON struct {
		Endpoint       string `json:"endpoint"`
		APIKey         string `json:"apiKey"`
		PlatformWallet string `json:"platformWallet"`
		USDTMaster     string `json:"usdtMaster"` // Jetton master contract for USDT
		WalletSeed     string `json:"walletSeed"`
	} `json:"ton"`

	Telegram struct {
		BotToken     string `json:"botToken"`
		AuditChatID  int64  `json:"auditChatId"`  // Private chat posts get forwarded into for existence checks
		AdminChatID  int64  `json:"adminChatId"`  // Operator alerts
		AdminAPIPass string `json:"adminApiPass"` // Guard for the /admin endpoints
	} `json:"telegram"`

	Bucket struct {
		Deal         string   `json:"deal"`
		DealMemo     string   `json:"dealMemo"`
		Campaign     string   `json:"campaign"`
		CampaignMemo string   `json:"campaignMemo"`
		Payout       string   `json:"payout"`
		ChainSeen    string   `json:"chainSeen"`
		Wallet       string   `json:"wallet"` // Channel-owner payout wallet registry
		All          []string `json:"all"`
	} `json:"bucket"`
}
