package wsremote

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/tether/internal/remote"
)

// Reconnecting is a remote.Channel that dials on first use and dials again
// after the connection is lost. A call made while disconnected dials first;
// when that fails the call fails with a network error, so callers retrying
// network errors (the sender's backoff, session restarts) reconnect once
// the remote is back. Subscriptions do not survive a reconnect: they end
// with the connection and must be reopened.
type Reconnecting struct {
	url    string
	opts   []ClientOption
	logger *slog.Logger

	// mu is held while dialling so concurrent callers share one dial.
	mu     sync.Mutex
	client *Client
	dials  int
	closed bool
}

var _ remote.Channel = (*Reconnecting)(nil)

// NewReconnecting returns a Reconnecting channel to url. It does not dial.
func NewReconnecting(url string, opts ...ClientOption) *Reconnecting {
	cfg := clientConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Reconnecting{
		url:    url,
		opts:   opts,
		logger: cfg.logger.With("remote", url),
	}
}

var errReconnectingClosed = errors.New("channel closed")

// connect returns a live client, dialling when there is none.
func (r *Reconnecting) connect(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, networkError(errReconnectingClosed)
	}
	if r.client != nil {
		if r.client.err() == nil {
			return r.client, nil
		}
		r.logger.Info("connection lost, reconnecting", "error", r.client.err())
		_ = r.client.Close()
		r.client = nil
	}

	c, err := Dial(ctx, r.url, r.opts...)
	if err != nil {
		return nil, err
	}
	r.dials++
	if r.dials > 1 {
		r.logger.Info("reconnected", "dials", r.dials)
	}
	r.client = c
	return c, nil
}

// current returns the connected client, or nil.
func (r *Reconnecting) current() *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// SendMutation implements remote.Channel.
func (r *Reconnecting) SendMutation(ctx context.Context, req remote.MutationRequest) (remote.MutationResponse, error) {
	c, err := r.connect(ctx)
	if err != nil {
		return remote.MutationResponse{}, err
	}
	return c.SendMutation(ctx, req)
}

// FetchAll implements remote.Channel.
func (r *Reconnecting) FetchAll(ctx context.Context, model, cursor string) (remote.Page, error) {
	c, err := r.connect(ctx)
	if err != nil {
		return remote.Page{}, err
	}
	return c.FetchAll(ctx, model, cursor)
}

// Subscribe implements remote.Channel. The subscription ends when the
// current connection is lost.
func (r *Reconnecting) Subscribe(ctx context.Context, models []string) (<-chan remote.ChangeNotice, error) {
	c, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	return c.Subscribe(ctx, models)
}

// Close closes the current connection. Later calls fail.
func (r *Reconnecting) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
