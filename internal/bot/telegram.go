// Package bot pushes trading notifications to Telegram: fills, exits,
// portfolio snapshots and feed health. It stays silent when no token is
// configured.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"polyladder/internal/bus"
	"polyladder/internal/strategy"
	"polyladder/internal/types"
)

// Notifier relays bus events to a Telegram chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	bus    *bus.Bus
}

// NewNotifier connects to the Telegram API. An empty token returns a nil
// notifier and no error, which disables notifications.
func NewNotifier(token string, chatID int64, b *bus.Bus) (*Notifier, error) {
	if token == "" {
		log.Info().Msg("telegram notifications disabled")
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("telegram notifier connected")
	return &Notifier{api: api, chatID: chatID, bus: b}, nil
}

// Run consumes events until ctx is cancelled. Safe to call on a nil
// notifier.
func (n *Notifier) Run(ctx context.Context) error {
	if n == nil {
		return nil
	}

	execCh := n.bus.Subscribe(bus.TopicExecution, 64)
	portCh := n.bus.Subscribe(bus.TopicPortfolioUpdate, 4)
	statCh := n.bus.Subscribe(bus.TopicWSStatus, 8)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-execCh:
			if e, ok := ev.(bus.ExecutionEvent); ok {
				n.send(formatExecution(e.Result))
			}
		case ev := <-portCh:
			if e, ok := ev.(bus.PortfolioEvent); ok {
				n.send(formatPortfolio(e.Snapshot))
			}
		case ev := <-statCh:
			if e, ok := ev.(bus.WSStatusEvent); ok && e.Status == bus.WSFailed {
				n.send(fmt.Sprintf("⚠️ price feed permanently down after %d attempts; running on HTTP polling", e.Attempt))
			}
		}
	}
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.api.Send(msg); err != nil {
		log.Debug().Err(err).Msg("telegram send failed")
	}
}

func formatExecution(res types.ExecutionResult) string {
	o := res.Order
	var b strings.Builder
	if o.IsExit {
		b.WriteString("🔴 *EXIT* ")
	} else {
		switch o.Strategy {
		case strategy.TagTail:
			b.WriteString("🛡 *TAIL* ")
		case strategy.TagDCA:
			b.WriteString("🟠 *DCA* ")
		case strategy.TagCopy:
			b.WriteString("👥 *COPY* ")
		default:
			b.WriteString("🟢 *ENTRY* ")
		}
	}
	fmt.Fprintf(&b, "%s %s\n", o.Side, o.MarketID)
	fmt.Fprintf(&b, "price %.3f · $%.2f · %.2f shares", o.Price, res.FilledUSDC, res.FilledShares)
	if o.Detail != "" {
		fmt.Fprintf(&b, "\n_%s_", o.Detail)
	}
	return b.String()
}

func formatPortfolio(s types.PortfolioSnapshot) string {
	return fmt.Sprintf(
		"📊 *Portfolio* %s\nvalue $%.2f · cash $%.2f\nunrealized %+.2f · realized %+.2f",
		s.Timestamp.Format(time.Kitchen),
		s.TotalValue, s.CashBalance, s.UnrealizedPnl, s.RealizedPnl,
	)
}
