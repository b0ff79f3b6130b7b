package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatgate/credential"
	"github.com/onnwee/chatgate/gate"
	"github.com/onnwee/chatgate/telemetry"
	"github.com/onnwee/chatgate/twitchapi"
)

// Send failures reported before any connection is attempted.
var (
	ErrNoChannel    = errors.New("NO_CHANNEL")
	ErrNoBotNick    = errors.New("NO_BOT_NICK")
	ErrNoOAuthToken = errors.New("NO_OAUTH_TOKEN")
	ErrEmptyText    = errors.New("EMPTY_TEXT")
)

const defaultConnectTimeout = 10 * time.Second

// IRCClient is the subset of *twitch.Client the transport uses.
type IRCClient interface {
	OnConnect(func())
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// TokenProvider returns an account's effective token, empty when none.
type TokenProvider interface {
	EffectiveToken(account string) string
}

// Dialer creates an unconnected IRC client. ircToken carries the "oauth:" prefix.
type Dialer func(nick, ircToken string) IRCClient

// DialTwitch is the production Dialer.
func DialTwitch(nick, ircToken string) IRCClient {
	return twitch.NewClient(nick, ircToken)
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the go-twitch-irc client factory.
func WithDialer(d Dialer) Option { return func(t *Transport) { t.dial = d } }

// WithConnectTimeout bounds how long a send waits for the IRC handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// Transport posts to one channel as the bot account.
type Transport struct {
	channel        string
	nick           string
	tokens         TokenProvider
	dial           Dialer
	connectTimeout time.Duration

	mu    sync.Mutex
	conn  *connection
	token string
}

type connection struct {
	client IRCClient
	ready  chan struct{}
	done   chan struct{}
}

// NewTransport builds a transport for channel (without '#') posting as nick.
func NewTransport(channel, nick string, tokens TokenProvider, opts ...Option) *Transport {
	t := &Transport{
		channel:        strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#")),
		nick:           strings.ToLower(strings.TrimSpace(nick)),
		tokens:         tokens,
		dial:           DialTwitch,
		connectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ gate.Transport = (*Transport)(nil)

// HandleOutput implements gate.Transport.
func (t *Transport) HandleOutput(ctx context.Context, env gate.Envelope, meta gate.Metadata) error {
	text := strings.TrimSpace(env.ResponseText)
	switch {
	case t.channel == "":
		return ErrNoChannel
	case t.nick == "":
		return ErrNoBotNick
	case text == "":
		return ErrEmptyText
	}
	token := twitchapi.StripOAuthPrefix(strings.TrimSpace(t.tokens.EffectiveToken(credential.AccountBot)))
	if token == "" {
		return ErrNoOAuthToken
	}

	client, err := t.connect(ctx, "oauth:"+token)
	if err != nil {
		return fmt.Errorf("irc connect: %w", err)
	}
	client.Say(t.channel, text)
	telemetry.LoggerWithCorr(ctx).Info("chat output sent", slog.String("component", "chat"),
		slog.String("channel", t.channel), slog.String("event_id", meta.EventID), slog.String("category", meta.Category))
	return nil
}

// connect returns a ready client for token, dialing a new one when there is
// none, the previous one closed, or the token changed.
func (t *Transport) connect(ctx context.Context, token string) (IRCClient, error) {
	t.mu.Lock()
	conn := t.conn
	if conn != nil && (t.token != token || closed(conn.done)) {
		if t.token != token {
			slog.Info("bot token changed, reconnecting to chat", slog.String("component", "chat"))
		}
		t.dropLocked()
		conn = nil
	}
	if conn == nil {
		conn = t.dialLocked(token)
	}
	t.mu.Unlock()

	timer := time.NewTimer(t.connectTimeout)
	defer timer.Stop()
	select {
	case <-conn.ready:
		return conn.client, nil
	case <-conn.done:
		t.forget(conn)
		return nil, errors.New("connection closed before handshake")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		t.forget(conn)
		return nil, fmt.Errorf("no handshake within %s", t.connectTimeout)
	}
}

func (t *Transport) dialLocked(token string) *connection {
	client := t.dial(t.nick, token)
	conn := &connection{client: client, ready: make(chan struct{}), done: make(chan struct{})}
	var once sync.Once
	client.OnConnect(func() {
		once.Do(func() { close(conn.ready) })
		slog.Info("connected to twitch chat", slog.String("component", "chat"), slog.String("channel", t.channel))
	})
	client.Join(t.channel)
	t.conn = conn
	t.token = token
	go func() {
		defer close(conn.done)
		if err := client.Connect(); err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			slog.Warn("twitch chat connection ended", slog.String("component", "chat"), slog.Any("err", err))
		}
	}()
	return conn
}

// forget drops conn if it is still current.
func (t *Transport) forget(conn *connection) {
	t.mu.Lock()
	if t.conn == conn {
		t.dropLocked()
	}
	t.mu.Unlock()
}

func (t *Transport) dropLocked() {
	if t.conn == nil {
		return
	}
	if err := t.conn.client.Disconnect(); err != nil {
		slog.Debug("chat disconnect", slog.String("component", "chat"), slog.Any("err", err))
	}
	t.conn = nil
	t.token = ""
}

// Close disconnects from chat.
func (t *Transport) Close() {
	t.mu.Lock()
	t.dropLocked()
	t.mu.Unlock()
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
