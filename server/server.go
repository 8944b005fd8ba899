package server

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/boltdb/bolt"
	"github.com/gin-gonic/gin"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/common"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/escrow"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/payout"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/platforms/telegram"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/platforms/ton"
)

type Server struct {
	Cfg *config.Config

	db *bolt.DB
	r  *gin.Engine

	Campaigns *common.Campaigns

	Chain ton.Client
	Bot   telegram.Bot

	Reconciler *escrow.Reconciler
	Payouts    *payout.Queue
	Normalizer *ton.Normalizer
}

// New wires the server against the given chain and bot capabilities.
// Tests pass fakes; main.go passes the real TON and Telegram clients.
func New(cfg *config.Config, r *gin.Engine, chain ton.Client, bot telegram.Bot) (*Server, error) {
	if err := os.MkdirAll(cfg.DBPath, 0755); err != nil {
		return nil, err
	}

	db := misc.OpenDB(cfg.DBPath, cfg.DBName)

	srv := &Server{
		Cfg:       cfg,
		db:        db,
		r:         r,
		Campaigns: common.NewCampaigns(),
		Chain:     chain,
		Bot:       bot,
	}
	srv.Reconciler = escrow.NewReconciler(db, cfg, bot)
	srv.Payouts = payout.NewQueue(db, cfg, chain)
	srv.Normalizer = ton.NewNormalizer(cfg)

	if err := srv.initializeDB(); err != nil {
		return nil, err
	}

	srv.initializeRoutes(r)

	if err := newEngine(srv); err != nil {
		return nil, err
	}

	return srv, nil
}

func (srv *Server) initializeDB() error {
	return srv.db.Update(func(tx *bolt.Tx) error {
		for _, b := range srv.Cfg.Bucket.All {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		if _, err := tx.CreateBucketIfNotExists([]byte("index")); err != nil {
			return err
		}
		return misc.InitIndex(tx, srv.Cfg.Bucket.Payout, 1)
	})
}

func (srv *Server) initializeRoutes(r *gin.Engine) {
	// Chain notifier ingress; the provider retries on non-200 so both
	// verbs always answer
	r.POST("/webhooks/chain", postChainWebhook(srv))
	r.GET("/webhooks/chain", getChainHealth(srv))

	api := r.Group("/api/v1")

	api.PUT("/deal", putDeal(srv))
	api.GET("/deal/:id", getDeal(srv))
	api.GET("/deals/:id/status", getDealStatus(srv))
	api.POST("/deals/:id/approve", approveDeal(srv))
	api.POST("/deals/:id/draft", submitDraft(srv))
	api.POST("/deals/:id/requestChanges", requestChanges(srv))
	api.POST("/deals/:id/approveDraft", approveDraft(srv))
	api.POST("/deals/:id/schedule", scheduleDeal(srv))
	api.POST("/deals/:id/markPosted", markPosted(srv))
	api.POST("/deals/:id/cancel", cancelDeal(srv))

	api.PUT("/campaign", putCampaign(srv))
	api.GET("/campaign/:id", getCampaign(srv))
	api.POST("/campaigns/:id/apply", applyToCampaign(srv))

	api.POST("/channels/:id/wallet", registerChannelWallet(srv))

	admin := r.Group("/admin")
	admin.GET("/transactions", getRecentTransactions(srv))
	admin.POST("/check-payments", forceCheckPayments(srv))
	admin.GET("/payouts", getAllPayouts(srv))
	admin.POST("/payouts/:id/approve", approvePayout(srv))
}

func (srv *Server) Run() error {
	return srv.r.Run(srv.Cfg.Host + ":" + srv.Cfg.Port)
}

func (srv *Server) Close() error {
	return srv.db.Close()
}

func (srv *Server) DB() *bolt.DB {
	return srv.db
}

// Alert is the loud operator channel: log plus a bot ping to the admin
// chat. Never used on paths where failure is routine.
func (srv *Server) Alert(msg string, err error) {
	log.Println("ALERT:", msg, err)
	if srv.Cfg.Telegram.AdminChatID != 0 {
		telegram.Announce(srv.Bot, srv.Cfg.Telegram.AdminChatID, fmt.Sprintf("%s: %v", msg, err))
	}
}

// Notify is the quiet counterpart for informational pings.
func (srv *Server) Notify(subject, msg string) {
	log.Println(subject, msg)
	if srv.Cfg.Telegram.AdminChatID != 0 {
		telegram.Announce(srv.Bot, srv.Cfg.Telegram.AdminChatID, subject+" "+msg)
	}
}

func isSecureAdmin(c *gin.Context, s *Server) bool {
	if s.Cfg.Sandbox || c.Query("pw") == s.Cfg.Telegram.AdminAPIPass {
		return true
	}
	c.JSON(http.StatusUnauthorized, misc.StatusErr("Unauthorized"))
	return false
}
