package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log"

	"github.com/gin-gonic/gin"
)

// thinNotification is the push shape from the account-level notifier:
// it only names the transaction, the detail comes from a follow-up
// fetch.
type thinNotification struct {
	AccountId string `json:"accountId"`
	TxHash    string `json:"txHash"`
}

// postChainWebhook is the push half of the chain notifier. Always
// answers 200 -- a retrying provider cannot make a bad payload less
// bad, and duplicate deliveries are the reconciler's problem anyway.
func postChainWebhook(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(200, gin.H{"status": "ok"})
			return
		}

		// Jetton event bodies carry a full transfer; thin bodies only
		// a hash
		if bytes.Contains(raw, []byte(`"action"`)) {
			if nt := s.Normalizer.NormalizeJettonEvent(raw); nt != nil {
				if _, err := s.Reconciler.Confirm(nt); err != nil {
					log.Println("Webhook jetton confirm:", err)
				}
			}
			c.JSON(200, gin.H{"status": "ok"})
			return
		}

		var thin thinNotification
		if err := json.Unmarshal(raw, &thin); err != nil || thin.TxHash == "" {
			c.JSON(200, gin.H{"status": "ok"})
			return
		}

		tx, err := s.Chain.GetTransaction(thin.TxHash)
		if err != nil {
			log.Println("Webhook detail fetch failed for", thin.TxHash, err)
			c.JSON(200, gin.H{"status": "ok"})
			return
		}

		if nt := s.Normalizer.Normalize(tx); nt != nil {
			if _, err := s.Reconciler.Confirm(nt); err != nil {
				log.Println("Webhook confirm:", err)
			}
		}

		c.JSON(200, gin.H{"status": "ok"})
	}
}

func getChainHealth(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	}
}
