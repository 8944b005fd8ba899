package server

import (
	"github.com/gin-gonic/gin"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/misc"
)

func getRecentTransactions(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isSecureAdmin(c, s) {
			return
		}

		txs, err := s.Chain.GetTransactions(20)
		if err != nil {
			c.JSON(500, misc.StatusErr(err.Error()))
			return
		}
		c.JSON(200, txs)
	}
}

// forceCheckPayments runs the chain poll sweep immediately instead of
// waiting out the ticker. Useful when a payer reports a stuck deal.
func forceCheckPayments(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isSecureAdmin(c, s) {
			return
		}

		confirmed, err := pollChain(s)
		if err != nil {
			c.JSON(500, misc.StatusErr(err.Error()))
			return
		}
		c.JSON(200, gin.H{"confirmed": confirmed})
	}
}

func getAllPayouts(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isSecureAdmin(c, s) {
			return
		}
		c.JSON(200, s.Payouts.All())
	}
}

func approvePayout(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isSecureAdmin(c, s) {
			return
		}

		id := c.Param("id")
		if err := s.Payouts.Approve(id); err != nil {
			c.JSON(400, misc.StatusErr(err.Error()))
			return
		}
		c.JSON(200, misc.StatusOK(id))
	}
}
