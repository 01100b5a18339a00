package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// feedCommand is a client-to-server frame on the change feed.
type feedCommand struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// feedEnvelope is a server-to-client frame on the change feed.
type feedEnvelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	AtMS    int64           `json:"at_ms,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WSDialer opens websocket change feeds against the chat backend.
type WSDialer struct {
	// URL is the feed endpoint, e.g. wss://host/api/v1/feed.
	URL string
	Log zerolog.Logger

	// HandshakeTimeout bounds the dial + subscribe exchange.
	HandshakeTimeout time.Duration
}

var _ FeedDialer = (*WSDialer)(nil)

// NewWSDialer creates a dialer for the given feed URL.
func NewWSDialer(feedURL string, log zerolog.Logger) *WSDialer {
	return &WSDialer{
		URL:              feedURL,
		Log:              log.With().Str("component", "feed").Logger(),
		HandshakeTimeout: 15 * time.Second,
	}
}

func (d *WSDialer) Subscribe(ctx context.Context, accessToken string, groupIDs []string) (Feed, error) {
	hsCtx, cancel := context.WithTimeout(ctx, d.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hsCtx, d.URL, nil)
	if err != nil {
		return nil, wrapErr("feed dial", ClassTransient, err)
	}

	f := &wsFeed{
		conn:   conn,
		log:    d.Log,
		events: make(chan Event, 64),
	}

	if err := f.writeCommand(hsCtx, feedCommand{Type: "subscribe", Token: accessToken, Groups: groupIDs}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return nil, err
	}

	// The server acknowledges the subscription before any events flow.
	env, err := f.readEnvelope(hsCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "no subscribe ack")
		return nil, err
	}
	switch env.Type {
	case "subscribed":
	case "error":
		conn.Close(websocket.StatusNormalClosure, "rejected")
		if strings.Contains(env.Error, "token") || strings.Contains(env.Error, "auth") {
			return nil, wrapErr("feed subscribe", ClassAuth, fmt.Errorf("%s", env.Error))
		}
		return nil, wrapErr("feed subscribe", ClassValidation, fmt.Errorf("%s", env.Error))
	default:
		conn.Close(websocket.StatusNormalClosure, "bad ack")
		return nil, wrapErr("feed subscribe", ClassTransient, fmt.Errorf("expected subscribed ack, got %q", env.Type))
	}

	go f.readLoop()
	return f, nil
}

// wsFeed is one live websocket subscription.
type wsFeed struct {
	conn   *websocket.Conn
	log    zerolog.Logger
	events chan Event

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
}

var _ Feed = (*wsFeed)(nil)

func (f *wsFeed) Events() <-chan Event {
	return f.events
}

func (f *wsFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *wsFeed) Auth(ctx context.Context, accessToken string) error {
	return f.writeCommand(ctx, feedCommand{Type: "auth", Token: accessToken})
}

func (f *wsFeed) Ping(ctx context.Context) error {
	if err := f.conn.Ping(ctx); err != nil {
		return wrapErr("feed ping", ClassTransient, err)
	}
	return nil
}

func (f *wsFeed) Close(reason string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	return f.conn.Close(websocket.StatusNormalClosure, reason)
}

func (f *wsFeed) writeCommand(ctx context.Context, cmd feedCommand) error {
	data, err := json.Marshal(&cmd)
	if err != nil {
		return wrapErr("feed write", ClassValidation, err)
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := f.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return wrapErr("feed write", ClassTransient, err)
	}
	return nil
}

func (f *wsFeed) readEnvelope(ctx context.Context) (*feedEnvelope, error) {
	_, data, err := f.conn.Read(ctx)
	if err != nil {
		return nil, wrapErr("feed read", ClassTransient, err)
	}
	var env feedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, wrapErr("feed read", ClassTransient, fmt.Errorf("malformed frame: %w", err))
	}
	return &env, nil
}

// readLoop pumps server frames into the events channel until the connection
// dies. Malformed frames are dropped rather than killing the feed; a stream
// of garbage will eventually trip the consumer's heartbeat watchdog anyway.
func (f *wsFeed) readLoop() {
	defer close(f.events)
	ctx := context.Background()
	for {
		env, err := f.readEnvelope(ctx)
		if err != nil {
			f.mu.Lock()
			if !f.closed {
				f.err = err
			}
			f.mu.Unlock()
			return
		}

		at := time.Now()
		if env.AtMS > 0 {
			at = time.UnixMilli(env.AtMS)
		}

		switch env.Type {
		case "keepalive", "auth_ok":
			f.events <- Event{Type: EventKeepalive, At: at}
		case "message":
			var msg Message
			if err := json.Unmarshal(env.Message, &msg); err != nil {
				f.log.Warn().Err(err).Msg("Dropping malformed message event")
				continue
			}
			f.events <- Event{Type: EventMessage, Message: &msg, At: at}
		case "error":
			f.log.Warn().Str("server_error", env.Error).Msg("Change feed server error frame")
		default:
			f.log.Debug().Str("type", env.Type).Msg("Ignoring unknown feed frame")
		}
	}
}
