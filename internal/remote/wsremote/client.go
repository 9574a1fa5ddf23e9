package wsremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/tether/internal/remote"
)

// DefaultDialer is the gorilla default dialer with compression enabled.
var DefaultDialer = &websocket.Dialer{
	Proxy:             websocket.DefaultDialer.Proxy,
	HandshakeTimeout:  websocket.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// Client is a remote.Channel over one websocket connection. A Client does
// not reconnect: once the connection is lost every call fails with a
// network error and open subscriptions end. Dial a new Client to retry, or
// use Reconnecting.
type Client struct {
	conn        *websocket.Conn
	credentials remote.CredentialProvider
	logger      *slog.Logger

	// writeMu serialises writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan response
	streams  map[string]*stream
	closed   chan struct{}
	closeErr error
}

var _ remote.Channel = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	dialer      *websocket.Dialer
	credentials remote.CredentialProvider
	logger      *slog.Logger
}

// WithDialer replaces DefaultDialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *clientConfig) { c.dialer = d }
}

// WithCredentials attaches a token from p to every request.
func WithCredentials(p remote.CredentialProvider) ClientOption {
	return func(c *clientConfig) { c.credentials = p }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to a Handler at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{dialer: DefaultDialer, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, res, err := cfg.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &remote.Error{Kind: remote.KindNetwork, Message: "dial " + url, Err: err}
	}
	res.Body.Close()

	c := &Client{
		conn:        conn,
		credentials: cfg.credentials,
		logger:      cfg.logger.With("remote", url),
		pending:     map[string]chan response{},
		streams:     map[string]*stream{},
		closed:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection. Calls in flight fail and subscriptions end.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.shutdown(errors.New("client closed"))
	return err
}

// SendMutation implements remote.Channel.
func (c *Client) SendMutation(ctx context.Context, req remote.MutationRequest) (remote.MutationResponse, error) {
	var resp remote.MutationResponse
	err := c.call(ctx, uuid.NewString(), methodMutate, req, &resp)
	return resp, err
}

// FetchAll implements remote.Channel.
func (c *Client) FetchAll(ctx context.Context, model, cursor string) (remote.Page, error) {
	var page remote.Page
	err := c.call(ctx, uuid.NewString(), methodFetch, fetchParams{Model: model, Cursor: cursor}, &page)
	return page, err
}

// Subscribe implements remote.Channel. Cancelling ctx unsubscribes.
func (c *Client) Subscribe(ctx context.Context, models []string) (<-chan remote.ChangeNotice, error) {
	id := uuid.NewString()
	s := newStream()

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		s.abort()
		return nil, networkError(err)
	}
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.call(ctx, id, methodSubscribe, subscribeParams{Models: models}, nil); err != nil {
		c.dropStream(id)
		s.abort()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
			return
		case <-c.closed:
			return
		}
		if c.dropStream(id) {
			s.abort()
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.call(uctx, uuid.NewString(), methodUnsubscribe, unsubscribeParams{Subscription: id}, nil); err != nil {
				c.logger.Debug("unsubscribe failed", "subscription", id, "error", err)
			}
		}
	}()
	return s.out, nil
}

func (c *Client) dropStream(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[id]
	delete(c.streams, id)
	return ok
}

// call sends one request and decodes its result into out, which may be nil.
func (c *Client) call(ctx context.Context, id, method string, params, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	req := request{ID: id, Method: method, Params: raw}
	if c.credentials != nil {
		token, err := c.credentials.Token(ctx)
		if err != nil {
			return &remote.Error{Kind: remote.KindAuth, Message: "no credentials", Err: err}
		}
		req.Token = token
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return networkError(err)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, req); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return networkError(c.err())
	case res := <-ch:
		if res.Error != nil {
			return res.Error
		}
		if out == nil || len(res.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.Result, out); err != nil {
			return &remote.Error{Kind: remote.KindValidation, Message: "decode " + method + " result", Err: err}
		}
		return nil
	}
}

func (c *Client) write(ctx context.Context, req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return networkError(err)
	}
	if err := c.conn.WriteJSON(req); err != nil {
		c.shutdown(err)
		return networkError(err)
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		var res response
		if err := c.conn.ReadJSON(&res); err != nil {
			c.shutdown(err)
			return
		}

		if res.Subscription != "" {
			c.mu.Lock()
			s := c.streams[res.Subscription]
			if res.Ended {
				delete(c.streams, res.Subscription)
			}
			c.mu.Unlock()
			if s == nil {
				continue
			}
			if res.Notice != nil {
				s.push(*res.Notice)
			}
			if res.Ended {
				s.end()
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[res.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response for unknown request", "id", res.ID)
			continue
		}
		ch <- res
	}
}

// shutdown records the first connection failure and ends everything
// waiting on the connection.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	streams := c.streams
	c.streams = map[string]*stream{}
	close(c.closed)
	c.mu.Unlock()

	for _, s := range streams {
		s.end()
	}
	c.logger.Debug("connection closed", "error", err)
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func networkError(err error) error {
	return &remote.Error{Kind: remote.KindNetwork, Message: "connection lost", Err: err}
}
