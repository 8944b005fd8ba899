// Package telegram wraps the bot capabilities the engine consumes:
// sending messages, the invisible existence check on posted content and
// chat membership lookups.
package telegram

import (
	"errors"
	"log"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Dannyjay-hub/telegram-ads-mvp-sub000/config"
)

var (
	ErrMissingToken = errors.New("bot token not configured")
	ErrNoAuditChat  = errors.New("audit chat not configured")
)

// Bot is the messaging capability surface. Tests swap it for a fake.
type Bot interface {
	SendMessage(chatID int64, text string) error
	PostToChannel(channelID int64, text string) (int, error)
	CheckPostExists(channelID int64, messageID int) (bool, error)
	DeletePost(channelID int64, messageID int) error
	IsChannelAdmin(channelID int64, userID int64) (bool, error)
}

type Telegram struct {
	api         *tgbotapi.BotAPI
	auditChatID int64
}

func New(cfg *config.Config) (*Telegram, error) {
	if cfg.Telegram.BotToken == "" {
		return nil, ErrMissingToken
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		return nil, err
	}

	return &Telegram{
		api:         api,
		auditChatID: cfg.Telegram.AuditChatID,
	}, nil
}

func (t *Telegram) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := t.api.Send(msg)
	return err
}

// PostToChannel publishes the ad content and returns the message id we
// later monitor.
func (t *Telegram) PostToChannel(channelID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(channelID, text)
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// CheckPostExists verifies a posted message is still live by forwarding
// it into the private audit chat. The forward is invisible to the
// channel, so the poster cannot tell when checks happen. A forward
// failure that names the message (not found / deleted) means the post
// is gone; transport errors are returned as-is so the sweep retries on
// the next pass instead of cancelling a live deal.
func (t *Telegram) CheckPostExists(channelID int64, messageID int) (bool, error) {
	if t.auditChatID == 0 {
		return false, ErrNoAuditChat
	}

	fwd := tgbotapi.NewForward(t.auditChatID, channelID, messageID)
	fwd.DisableNotification = true
	if _, err := t.api.Send(fwd); err != nil {
		if isGoneErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *Telegram) DeletePost(channelID int64, messageID int) error {
	_, err := t.api.Request(tgbotapi.NewDeleteMessage(channelID, messageID))
	return err
}

// IsChannelAdmin checks whether the user administers the channel; used
// when a channel owner registers a payout wallet.
func (t *Telegram) IsChannelAdmin(channelID int64, userID int64) (bool, error) {
	member, err := t.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: channelID,
			UserID: userID,
		},
	})
	if err != nil {
		return false, err
	}
	return member.IsCreator() || member.IsAdministrator(), nil
}

func isGoneErr(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "message to forward not found") ||
		strings.Contains(s, "message not found") ||
		strings.Contains(s, "message_id_invalid") ||
		strings.Contains(s, "chat not found") ||
		strings.Contains(s, "bot was kicked")
}

// Announce fires a message and only logs failures. Notification
// problems must never bubble into settlement paths.
func Announce(b Bot, chatID int64, text string) {
	if b == nil || chatID == 0 {
		return
	}
	go func() {
		if err := b.SendMessage(chatID, text); err != nil {
			log.Println("Failed to send notification", chatID, err)
		}
	}()
}
