// Package telegram delivers pulses as Telegram bot messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"vaultpulse/internal/channels"
	"vaultpulse/internal/pulse"
	logx "vaultpulse/pkg/logx"
)

type Config struct {
	Token   string
	ChatIDs []int64
	// APIURL overrides the Bot API base (self-hosted bot API server, tests).
	APIURL string
	// ThreadID posts into a forum topic when > 0.
	ThreadID       int
	DisablePreview bool
}

type Channel struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

// New builds the bot offline: no getMe round trip happens until the first Send.
func New(cfg Config, client *http.Client, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram: token: %w", channels.ErrMissingCredentials)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  channels.HTTPClient(client),
		Offline: true,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	return &Channel{cfg: cfg, bot: b, log: log}, nil
}

func (c *Channel) Name() string { return channels.Telegram }

func (c *Channel) Send(ctx context.Context, ev pulse.Event) pulse.Result {
	if len(c.cfg.ChatIDs) == 0 {
		return pulse.Failed(c.Name(), pulse.KindConfig, errors.New("telegram: no chat ids"))
	}
	text := pulse.Body(ev)
	opt := &tele.SendOptions{DisableWebPagePreview: c.cfg.DisablePreview, ThreadID: c.cfg.ThreadID}

	var (
		ids      []string
		failures []string
		kind     pulse.ErrorKind
	)
	for _, id := range c.cfg.ChatIDs {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("%d: %v", id, err))
			kind = pulse.KindTransport
			continue
		}
		m, err := c.sendCtx(ctx, tele.ChatID(id), text, opt)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%d: %v", id, err))
			if k := kindForErr(err); kind == pulse.KindNone || k == pulse.KindAuth {
				kind = k
			}
			continue
		}
		ids = append(ids, strconv.Itoa(m.ID))
	}
	if len(failures) > 0 {
		r := pulse.Failed(c.Name(), kind, fmt.Errorf("telegram failed for %d/%d chats: %s", len(failures), len(c.cfg.ChatIDs), strings.Join(failures, "; ")))
		r.MessageID = strings.Join(ids, ",")
		return r
	}
	return pulse.Sent(c.Name(), strings.Join(ids, ","))
}

// sendCtx bounds a telebot call (which takes no context) by ctx.
func (c *Channel) sendCtx(ctx context.Context, to tele.Recipient, text string, opt *tele.SendOptions) (*tele.Message, error) {
	type res struct {
		m   *tele.Message
		err error
	}
	done := make(chan res, 1)
	go func() {
		m, err := c.bot.Send(to, text, opt)
		done <- res{m, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.m, r.err
	}
}

var codeSuffix = regexp.MustCompile(`\((\d{3})\)$`)

func kindForErr(err error) pulse.ErrorKind {
	var te *tele.Error
	if errors.As(err, &te) {
		return pulse.KindForStatus(te.Code)
	}
	if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return pulse.KindForStatus(code)
	}
	return pulse.KindTransport
}
