// Package telegram is the telebot-backed outbound gateway plus the
// long-poll loop that registers group chats as notification targets.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"gitrelay/internal/transport"
	logx "gitrelay/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outbound send/edit calls (Telegram throttles bots).
	RatePerSec int
}

type Gateway struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
}

var _ transport.Gateway = (*Gateway)(nil)

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Gateway{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (g *Gateway) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}

	chunks := splitText(text, telegramTextLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := g.wait(ctx); err != nil {
			if !first.IsZero() {
				return first, err
			}
			return transport.MessageRef{}, err
		}

		msg, err := g.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			if !first.IsZero() {
				return first, err
			}
			return transport.MessageRef{}, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}

	return first, nil
}

func (g *Gateway) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}

	chunks := splitText(text, telegramTextLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	if err := g.wait(ctx); err != nil {
		return err
	}

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	sendOpt := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
	if _, err := g.bot.Edit(m, chunks[0], sendOpt); err != nil {
		return err
	}

	// If the text no longer fits the original message, the overflow goes
	// out as fresh messages after the edited one.
	if len(chunks) > 1 {
		to := transport.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}
		chat := &tele.Chat{ID: to.ChatID}
		for _, chunk := range chunks[1:] {
			if err := g.wait(ctx); err != nil {
				return err
			}
			if _, err := g.bot.Send(chat, chunk, &tele.SendOptions{
				ParseMode:             opt.ParseMode,
				DisableWebPagePreview: opt.DisablePreview,
				ThreadID:              to.ThreadID,
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

func (g *Gateway) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return g.limiter.Wait(ctx)
}

// StartRegistration runs the long-poll loop until ctx is cancelled,
// recording every group/supergroup the bot hears from. Best-effort: a
// failed record is logged, never answered.
func (g *Gateway) StartRegistration(ctx context.Context, rec transport.ChatRecorder) {
	g.runMu.Lock()
	if g.running {
		g.runMu.Unlock()
		return
	}
	g.running = true
	g.runMu.Unlock()

	g.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		info, ok := chatInfoFrom(m)
		if !ok {
			return nil
		}
		if err := rec.RecordChat(ctx, info); err != nil {
			g.log.Warn("chat registration failed", logx.Int64("chat_id", info.ChatID), logx.Err(err))
			return nil
		}
		g.log.Info("chat registered",
			logx.Int64("chat_id", info.ChatID),
			logx.String("title", info.Title),
			logx.Bool("forum", info.IsForum),
		)
		return nil
	})

	go func() {
		<-ctx.Done()
		g.bot.Stop()
	}()

	g.log.Info("polling started")
	g.bot.Start()
	g.log.Info("polling stopped")
}

// chatInfoFrom keeps only group-like chats; private chats are not valid
// notification targets.
func chatInfoFrom(m *tele.Message) (transport.ChatInfo, bool) {
	t := m.Chat.Type
	if t != tele.ChatGroup && t != tele.ChatSuperGroup {
		return transport.ChatInfo{}, false
	}
	return transport.ChatInfo{
		ChatID:   m.Chat.ID,
		Title:    m.Chat.Title,
		Username: m.Chat.Username,
		Type:     string(t),
		IsForum:  m.Chat.IsForum,
		ThreadID: m.ThreadID,
	}, true
}

const telegramTextLimit = 4000

// splitText splits long messages into chunks Telegram will accept,
// preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
