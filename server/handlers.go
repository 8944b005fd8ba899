package server

import (
	"log"
	"strconv"
	"time"

	"github.com/boltdb/bolt"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/common"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/escrow"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/internal/monitor"
	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
)

///////// Deals /////////

type dealRequest struct {
	AdvertiserId     string          `json:"advertiserId"`
	ChannelId        int64           `json:"channelId"`
	ChannelUsername  string          `json:"channelUsername"`
	AdvertiserChatId int64           `json:"advertiserChatId"`
	OwnerChatId      int64           `json:"ownerChatId"`
	Price            decimal.Decimal `json:"price"`
	Currency         string          `json:"currency"`
	DurationHours    int             `json:"durationHours"`
	DraftText        string          `json:"draftText"`
	ProposedPostTime int64           `json:"proposedPostTime"`
	AdvertiserWallet string          `json:"advertiserWallet"`
	OwnerWallet      string          `json:"channelOwnerWallet"`
}

func putDeal(s *Server) gin.HandlerFunc {
	// Advertiser committing to a channel/package selection. The deal
	// starts in draft with a fresh payment memo and a ticking window.
	return func(c *gin.Context) {
		var req dealRequest
		if err := misc.BindJSON(c, &req); err != nil {
			c.JSON(400, misc.StatusErr("Error unmarshalling request body"))
			return
		}

		if req.AdvertiserId == "" || req.ChannelId == 0 {
			c.JSON(400, misc.StatusErr("Advertiser and channel are required"))
			return
		}
		if req.Price.IsZero() || req.Price.IsNegative() {
			c.JSON(400, misc.StatusErr("Invalid price"))
			return
		}
		if req.Currency != common.CurrencyTON && req.Currency != common.CurrencyUSDT {
			c.JSON(400, misc.StatusErr("Unsupported currency"))
			return
		}
		if req.DurationHours < 1 {
			req.DurationHours = 24
		}

		now := time.Now()
		d := &common.Deal{
			Id:                 misc.PseudoUUID(),
			PaymentMemo:        common.NewDealMemo(),
			AdvertiserId:       req.AdvertiserId,
			ChannelId:          req.ChannelId,
			ChannelUsername:    req.ChannelUsername,
			AdvertiserChatId:   req.AdvertiserChatId,
			OwnerChatId:        req.OwnerChatId,
			Price:              req.Price,
			Currency:           req.Currency,
			AdvertiserWallet:   req.AdvertiserWallet,
			ChannelOwnerWallet: req.OwnerWallet,
			DurationHours:      req.DurationHours,
			DraftText:          req.DraftText,
			ProposedPostTime:   req.ProposedPostTime,
			Status:             common.StatusDraft,
			StatusUpdatedAt:    now.Unix(),
			CreatedAt:          now.Unix(),
			ExpiresAt:          now.Add(time.Duration(s.Cfg.PaymentWindowMins) * time.Minute).Unix(),
		}

		if err := s.db.Update(func(tx *bolt.Tx) error {
			return common.SaveDealTx(tx, s.Cfg, d)
		}); err != nil {
			c.JSON(500, misc.StatusErr(err.Error()))
			return
		}

		c.JSON(200, d)
	}
}

func getDeal(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := common.GetDeal(s.db, s.Cfg, c.Param("id"))
		if d == nil {
			c.JSON(404, misc.StatusErr("Deal not found"))
			return
		}
		c.JSON(200, d)
	}
}

// getDealStatus is polled by the payment UI while it waits for the
// chain transfer to be picked up.
func getDealStatus(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := common.GetDeal(s.db, s.Cfg, c.Param("id"))
		if d == nil {
			c.JSON(404, misc.StatusErr("Deal not found"))
			return
		}
		c.JSON(200, gin.H{
			"id":            d.Id,
			"status":        d.Status,
			"paymentTxHash": d.PaymentTxHash,
		})
	}
}

func approveDeal(s *Server) gin.HandlerFunc {
	// Channel owner accepting a funded deal; lands in draft_pending
	// awaiting ad copy
	return func(c *gin.Context) {
		id := c.Param("id")

		if _, err := common.Transition(s.db, s.Cfg, id, common.StatusFunded, common.StatusApproved, nil); err != nil {
			c.JSON(400, misc.StatusErr(err.Error()))
			return
		}
		d, err := common.Transition(s.db, s.Cfg, id, common.StatusApproved, common.StatusDraftPending, nil)
		if err != nil {
			c.JSON(400, misc.StatusErr(err.Error()))
			return
		}

		c.JSON(200, d)
	}
}

func submitDraft(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			DraftText     string `json:"draftText"`
			DraftMediaURL string `json:"draftMediaUrl"`
		}
		if err := misc.BindJSON(c, &req); err != nil || req.DraftText == "" {
			c.JSON(400, misc.StatusErr("Draft text is required"))
			return
		}

		id := c.Param("id")
		mutate := func(d *common.Deal) {
			d.DraftText = req.DraftText
			d.DraftMediaURL = req.DraftMediaURL
		}

		d, err := common.Transition(s.db, s.Cfg, id, common.StatusDraftPending, common.StatusDraftSubmitted, mutate)
		if err == common.ErrStatusConflict {
			// Resubmission after changes were requested
			d, err = common.Transition(s.db, s.Cfg, id, common.StatusChangesRequested, common.StatusDraftSubmitted, mutate)
		}
		if err != nil {
			c.JSON(400, misc.StatusErr(err.Error()))
			return
		}

		c.JSON(200, d)
	}
}

func requestChanges(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := common.Transition(s.db, s.Cfg, c.Param("id"), common.StatusDraftSubmitted, common.StatusChangesRequested, nil)
		if err != nil {
			c.JSON(400, misc.StatusErr(err.Error()))
			return
		}
		c.JSON(200, d)
	}
}

func approveDraft(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := common.Transition(s.db, s.Cfg, c.Param("id"), common.StatusDraftSubmitted, common.StatusScheduling, nil)
		if err != nil {
			c.JSON(400, misc.StatusErr(err.Error()))
			return
		}
		c.JSON(200, d)
	}
}

func scheduleDeal(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			AgreedPostTime int64 `json:"agreedPostTime"`
		}
		if err := misc.BindJSON(c, &req); err != nil || req.AgreedPostTime == 0 {
			c.JSON(400, misc.StatusErr("agreedPostTime is required"))
			return
		}

		d, err := common.Transition(s.db, s.Cfg, c.Param("id"), common.StatusScheduling, common.StatusScheduled, func(d *common.Deal) {
			d.AgreedPostTime = req.AgreedPostTime
		})
		if err != nil {
			c.JSON(400, misc.StatusErr(err.Error()))
			return
		}
		c.JSON(200, d)
	}
}

func markPosted(s *Server) gin.HandlerFunc {
	// Owner posted the content themselves instead of waiting for the
	// auto-posting sweep; the reported message id is what monitoring
	// will probe.
	return func(c *gin.Context) {
		var req struct {
			MessageId int `json:"messageId"`
		}
		if err := misc.BindJSON(c, &req); err != nil || req.MessageId == 0 {
			c.JSON(400, misc.StatusErr("messageId is required"))
			return
		}

		now := time.Now()
		d, err := common.Transition(s.db, s.Cfg, c.Param("id"), common.StatusScheduled, common.StatusPosted, func(d *common.Deal) {
			checks := monitor.GenerateSchedule(now, d.DurationHours)
			d.PostedMessageId = req.MessageId
			d.PostedAt = now.Unix()
			d.MonitoringEndAt = now.Add(time.Duration(d.DurationHours) * time.Hour).Unix()
			d.ScheduledChecks = checks
			d.NextCheckAt = checks[0].Time
		})
		if err != nil {
			c.JSON(400, misc.StatusErr(err.Error()))
			return
		}
		c.JSON(200, d)
	}
}

func cancelDeal(s *Server) gin.HandlerFunc {
	// Pre-post cancellation. Unfunded deals just die; funded ones go
	// through pending_refund so the money trail stays explicit.
	return func(c *gin.Context) {
		id := c.Param("id")
		d := common.GetDeal(s.db, s.Cfg, id)
		if d == nil {
			c.JSON(404, misc.StatusErr("Deal not found"))
			return
		}

		if !d.Status.IsPrePost() {
			c.JSON(400, misc.StatusErr("Deal can no longer be cancelled"))
			return
		}

		if d.Status == common.StatusDraft {
			if _, err := common.Transition(s.db, s.Cfg, id, common.StatusDraft, common.StatusCancelled, nil); err != nil {
				c.JSON(400, misc.StatusErr(err.Error()))
				return
			}
			c.JSON(200, misc.StatusOK(id))
			return
		}

		queueRefund(s, d, "deal cancelled before posting")
		c.JSON(200, misc.StatusOK(id))
	}
}

///////// Campaigns /////////

type campaignRequest struct {
	AdvertiserId string          `json:"advertiserId"`
	Title        string          `json:"title"`
	Brief        string          `json:"brief"`
	Slots        int             `json:"slots"`
	PerChannel   decimal.Decimal `json:"perChannelBudget"`
	Currency     string          `json:"currency"`
	ExpiresAt    int64           `json:"expiresAt"`
}

func putCampaign(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req campaignRequest
		if err := misc.BindJSON(c, &req); err != nil {
			c.JSON(400, misc.StatusErr("Error unmarshalling request body"))
			return
		}

		if req.Slots < 1 || req.PerChannel.IsZero() || req.PerChannel.IsNegative() {
			c.JSON(400, misc.StatusErr("Slots and per-channel budget are required"))
			return
		}
		if req.Currency != common.CurrencyTON && req.Currency != common.CurrencyUSDT {
			c.JSON(400, misc.StatusErr("Unsupported currency"))
			return
		}

		cmp := &common.Campaign{
			Id:           misc.PseudoUUID(),
			AdvertiserId: req.AdvertiserId,
			Title:        req.Title,
			Brief:        req.Brief,
			PaymentMemo:  common.NewCampaignMemo(),
			Slots:        req.Slots,
			PerChannel:   req.PerChannel,
			Currency:     req.Currency,
			Status:       common.CampaignDraft,
			ExpiresAt:    req.ExpiresAt,
			CreatedAt:    time.Now().Unix(),
		}

		if err := s.db.Update(func(tx *bolt.Tx) error {
			return common.SaveCampaignTx(tx, s.Cfg, cmp)
		}); err != nil {
			c.JSON(500, misc.StatusErr(err.Error()))
			return
		}

		c.JSON(200, cmp)
	}
}

func getCampaign(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		cmp := common.GetCampaign(c.Param("id"), s.db, s.Cfg)
		if cmp == nil {
			c.JSON(404, misc.StatusErr("Campaign not found"))
			return
		}
		c.JSON(200, cmp)
	}
}

func applyToCampaign(s *Server) gin.HandlerFunc {
	// Channel owner claiming a slot. The slot reservation is the
	// optimistic write; losing the race is a 409, not an error worth
	// retrying blindly.
	return func(c *gin.Context) {
		var req struct {
			ChannelId       int64  `json:"channelId"`
			ChannelUsername string `json:"channelUsername"`
			OwnerChatId     int64  `json:"ownerChatId"`
			OwnerWallet     string `json:"channelOwnerWallet"`
			DurationHours   int    `json:"durationHours"`
		}
		if err := misc.BindJSON(c, &req); err != nil || req.ChannelId == 0 {
			c.JSON(400, misc.StatusErr("Channel is required"))
			return
		}
		if req.DurationHours < 1 {
			req.DurationHours = 24
		}

		// The observed read may come from the stale cache; the
		// allocator's conditional write is what makes it safe
		cid := c.Param("id")
		observed, ok := s.Campaigns.Get(cid)
		if !ok {
			observed = common.GetCampaign(cid, s.db, s.Cfg)
		}
		if observed == nil {
			c.JSON(404, misc.StatusErr("Campaign not found"))
			return
		}

		cmp, err := escrow.TryAllocateSlot(s.db, s.Cfg, cid, observed.SlotsFilled, observed.PerChannel)
		switch err {
		case nil:
		case escrow.ErrSlotUnavailable, escrow.ErrSlotsExhausted:
			c.JSON(409, misc.StatusErr("Slot no longer available"))
			return
		case escrow.ErrCampaignInactive, escrow.ErrInsufficientEscrow:
			c.JSON(400, misc.StatusErr(err.Error()))
			return
		default:
			c.JSON(500, misc.StatusErr(err.Error()))
			return
		}
		s.Campaigns.SetCampaign(cmp.Id, cmp)

		// Campaign escrow backs the deal, so it is born funded
		now := time.Now()
		d := &common.Deal{
			Id:                 misc.PseudoUUID(),
			PaymentMemo:        common.NewDealMemo(),
			CampaignId:         cmp.Id,
			AdvertiserId:       cmp.AdvertiserId,
			ChannelId:          req.ChannelId,
			ChannelUsername:    req.ChannelUsername,
			OwnerChatId:        req.OwnerChatId,
			ChannelOwnerWallet: req.OwnerWallet,
			Price:              cmp.PerChannel,
			Currency:           cmp.Currency,
			DurationHours:      req.DurationHours,
			DraftText:          cmp.Brief,
			Status:             common.StatusFunded,
			StatusUpdatedAt:    now.Unix(),
			CreatedAt:          now.Unix(),
		}

		if err := s.db.Update(func(tx *bolt.Tx) error {
			return common.SaveDealTx(tx, s.Cfg, d)
		}); err != nil {
			// Undo the reservation so the pool stays honest
			if _, rerr := escrow.ReleaseSlot(s.db, s.Cfg, cmp.Id, cmp.PerChannel); rerr != nil {
				s.Alert("Failed to roll back slot for "+cmp.Id, rerr)
			}
			c.JSON(500, misc.StatusErr(err.Error()))
			return
		}

		c.JSON(200, d)
	}
}

///////// Channel wallets /////////

func registerChannelWallet(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserId int64  `json:"userId"`
			Wallet string `json:"wallet"`
		}
		if err := misc.BindJSON(c, &req); err != nil || req.Wallet == "" {
			c.JSON(400, misc.StatusErr("Wallet address is required"))
			return
		}

		channelId, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(400, misc.StatusErr("Invalid channel id"))
			return
		}

		if s.Bot != nil && req.UserId != 0 {
			admin, err := s.Bot.IsChannelAdmin(channelId, req.UserId)
			if err != nil {
				log.Println("Admin check failed for channel", channelId, err)
			} else if !admin {
				c.JSON(403, misc.StatusErr("Only channel admins can register a payout wallet"))
				return
			}
		}

		if err := s.db.Update(func(tx *bolt.Tx) error {
			return misc.GetBucket(tx, s.Cfg.Bucket.Wallet).Put([]byte(strconv.FormatInt(channelId, 10)), []byte(req.Wallet))
		}); err != nil {
			c.JSON(500, misc.StatusErr(err.Error()))
			return
		}

		releaseParkedDeals(s, channelId, req.Wallet)

		c.JSON(200, misc.StatusOK(c.Param("id")))
	}
}
