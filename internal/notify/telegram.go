// Package notify is the Telegram operator surface: outbound alerts for
// trades, exits, and system events, plus inbound operator commands. The
// bot answers only the configured chat ID; messages from anyone else are
// dropped.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"polybot/internal/config"
	"polybot/pkg/types"
)

// messageSpacing keeps sends under Telegram's per-chat rate limit.
const messageSpacing = 1100 * time.Millisecond

const outboxCap = 100

// Commander is the control surface the inbound commands drive. The engine
// implements it.
type Commander interface {
	StatusText(ctx context.Context) string
	PnLText(ctx context.Context) string
	PauseStrategy(name string) error  // "" pauses everything
	ResumeStrategy(name string) error // "" resumes everything
	ActivateKillSwitch(ctx context.Context) error
}

// Notifier sends alerts and serves operator commands. A Notifier built
// without a bot token is disabled: every method is a silent no-op, so
// callers never branch on configuration.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	outbox chan string
	logger *slog.Logger
}

// New connects to Telegram. Returns a disabled notifier when the token or
// chat ID is missing.
func New(cfg config.TelegramConfig, logger *slog.Logger) (*Notifier, error) {
	log := logger.With("component", "notify")
	if cfg.BotToken == "" || cfg.ChatID == 0 {
		log.Info("telegram disabled, no token or chat id")
		return &Notifier{logger: log}, nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	log.Info("telegram connected", "bot", bot.Self.UserName)

	return &Notifier{
		bot:    bot,
		chatID: cfg.ChatID,
		outbox: make(chan string, outboxCap),
		logger: log,
	}, nil
}

// Enabled reports whether the notifier actually talks to Telegram.
func (n *Notifier) Enabled() bool { return n.bot != nil }

// Run drives the outbox and the command listener until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, commander Commander) {
	if !n.Enabled() {
		<-ctx.Done()
		return
	}
	go n.listenCommands(ctx, commander)

	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.outbox:
			msg := tgbotapi.NewMessage(n.chatID, text)
			msg.ParseMode = tgbotapi.ModeMarkdown
			if _, err := n.bot.Send(msg); err != nil {
				n.logger.Error("telegram send failed", "error", err)
			}
			// Paced sends; one burst of alerts must not trip the API.
			select {
			case <-ctx.Done():
				return
			case <-time.After(messageSpacing):
			}
		}
	}
}

// Send queues a message. Drops when the outbox is full rather than block
// the trading path.
func (n *Notifier) Send(text string) {
	if !n.Enabled() {
		return
	}
	select {
	case n.outbox <- text:
	default:
		n.logger.Warn("notification outbox full, dropping", "text", text)
	}
}

// Sendf formats and queues a message.
func (n *Notifier) Sendf(format string, args ...any) {
	n.Send(fmt.Sprintf(format, args...))
}

// AlertSystem announces an operational event at the given level
// ("info", "warning", "critical").
func (n *Notifier) AlertSystem(title, message, level string) {
	icon := "ℹ️"
	switch level {
	case "warning":
		icon = "⚠️"
	case "critical":
		icon = "🚨"
	}
	n.Sendf("%s *%s*\n%s", icon, title, message)
}

// PositionOpened announces a fill that opened a position.
func (n *Notifier) PositionOpened(p types.Position) {
	question := p.Metadata.MarketQuestion
	if question == "" {
		question = p.MarketID
	}
	n.Sendf("📈 *Opened* [%s]\n%s\n%s %.0f shares @ %.3f ($%.2f)",
		p.Strategy, question, p.Side, p.Size, p.EntryPrice, p.EntryPrice*p.Size)
}

// PositionClosed announces a confirmed close with its realized P&L.
func (n *Notifier) PositionClosed(p types.Position, realized float64, reason string) {
	icon := "✅"
	if realized < 0 {
		icon = "❌"
	}
	question := p.Metadata.MarketQuestion
	if question == "" {
		question = p.MarketID
	}
	n.Sendf("%s *Closed* [%s] %s\n%s\nP&L: $%.2f", icon, p.Strategy, reason, question, realized)
}

// KillSwitch announces a kill-switch transition. Always sent, both
// directions.
func (n *Notifier) KillSwitch(active bool, reason string) {
	if active {
		n.AlertSystem("KILL SWITCH ACTIVATED", reason, "critical")
	} else {
		n.AlertSystem("Kill switch deactivated", reason, "warning")
	}
}

func (n *Notifier) listenCommands(ctx context.Context, commander Commander) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := n.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			n.bot.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			if update.Message.Chat.ID != n.chatID {
				n.logger.Warn("ignoring message from unknown chat",
					"chat_id", update.Message.Chat.ID)
				continue
			}
			if reply := n.handleCommand(ctx, commander, update.Message.Text); reply != "" {
				n.Send(reply)
			}
		}
	}
}

// handleCommand parses one operator message. Unknown input gets the help
// text; the kill switch requires a literal "confirm" argument.
func (n *Notifier) handleCommand(ctx context.Context, commander Commander, text string) string {
	parts := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "/"))
	if len(parts) == 0 {
		return ""
	}
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	switch strings.ToLower(parts[0]) {
	case "status":
		return commander.StatusText(ctx)
	case "pnl":
		return commander.PnLText(ctx)
	case "pause":
		if err := commander.PauseStrategy(arg); err != nil {
			return fmt.Sprintf("⚠️ %v", err)
		}
		if arg == "" {
			return "⏸ All trading paused."
		}
		return fmt.Sprintf("⏸ Strategy %s paused.", arg)
	case "resume":
		if err := commander.ResumeStrategy(arg); err != nil {
			return fmt.Sprintf("⚠️ %v", err)
		}
		if arg == "" {
			return "▶️ All trading resumed."
		}
		return fmt.Sprintf("▶️ Strategy %s resumed.", arg)
	case "kill":
		if arg != "confirm" {
			return "Send `kill confirm` to halt trading and cancel all orders."
		}
		if err := commander.ActivateKillSwitch(ctx); err != nil {
			return fmt.Sprintf("⚠️ kill switch failed: %v", err)
		}
		return "" // the transition itself is announced by the engine
	case "help":
		return helpText
	default:
		return helpText
	}
}

const helpText = `*Commands*
status — engine and strategy state
pnl — today's profit and loss
pause [strategy] — stop one strategy, or everything
resume [strategy] — restart one strategy, or everything
kill confirm — halt trading, cancel all orders
help — this text`
