package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ProtocolVersionHeader marks the protocol revision on the credentialed leg.
const (
	ProtocolVersionHeader = "OpenAI-Beta"
	ProtocolVersionValue  = "realtime=v1"
)

// ErrClosed is returned by send methods after Close.
var ErrClosed = errors.New("realtime: connection closed")

// Config represents a config.
type Config struct {
	URL         string
	APIKey      string
	DialTimeout time.Duration
}

// Client owns one websocket conversation with the upstream service. Inbound
// text frames are parsed into ServerEvent values and delivered on Events.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex
	events  chan ServerEvent
}

// Dial executes the dial function.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: url is empty")
	}
	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
		headers.Set(ProtocolVersionHeader, ProtocolVersionValue)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		events: make(chan ServerEvent, 64),
	}
	conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	go c.readLoop(conn)
	return c, nil
}

// Events returns the inbound event stream. The channel is closed when the
// connection ends.
func (c *Client) Events() <-chan ServerEvent {
	return c.events
}

// Close executes the close method.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Send marshals and writes one client event.
func (c *Client) Send(evt any) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(evt)
}

// UpdateSession executes the updateSession method.
func (c *Client) UpdateSession(session SessionUpdate) error {
	return c.Send(SessionUpdateEvent{
		BaseEvent: NewBaseEvent(TypeSessionUpdate),
		Session:   session,
	})
}

// AppendAudio streams one PCM16 frame into the upstream input buffer.
func (c *Client) AppendAudio(pcm []byte) error {
	return c.Send(InputAudioAppendEvent{
		BaseEvent: NewBaseEvent(TypeInputAudioAppend),
		Audio:     base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio executes the commitAudio method.
func (c *Client) CommitAudio() error {
	return c.Send(NewBaseEvent(TypeInputAudioCommit))
}

// CreateItem executes the createItem method.
func (c *Client) CreateItem(item ConversationItem) error {
	return c.Send(ItemCreateEvent{
		BaseEvent: NewBaseEvent(TypeItemCreate),
		Item:      item,
	})
}

// DeleteItem executes the deleteItem method.
func (c *Client) DeleteItem(itemID string) error {
	return c.Send(ItemDeleteEvent{
		BaseEvent: NewBaseEvent(TypeItemDelete),
		ItemID:    itemID,
	})
}

// TruncateItem reports the exact playback cut point for an interrupted item.
func (c *Client) TruncateItem(itemID string, contentIndex int, audioEndMs int) error {
	return c.Send(ItemTruncateEvent{
		BaseEvent:    NewBaseEvent(TypeItemTruncate),
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMs:   audioEndMs,
	})
}

// CreateResponse executes the createResponse method.
func (c *Client) CreateResponse() error {
	return c.Send(ResponseCreateEvent{BaseEvent: NewBaseEvent(TypeResponseCreate)})
}

// CancelResponse executes the cancelResponse method.
func (c *Client) CancelResponse() error {
	return c.Send(NewBaseEvent(TypeResponseCancel))
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.events)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				_ = c.conn.Close()
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()
			if !closed && c.logger != nil {
				c.logger.Debug("realtime connection lost", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := ParseServerEvent(data)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("realtime event parse failed", zap.Error(err))
			}
			continue
		}
		c.events <- ev
	}
}
