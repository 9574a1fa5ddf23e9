package wsremote

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/tether/internal/remote"
)

// Authenticator checks the token of a request. Returning an error rejects
// the request with an auth failure.
type Authenticator func(ctx context.Context, token string) error

// TokenAuthenticator accepts exactly one token.
func TokenAuthenticator(want string) Authenticator {
	return func(_ context.Context, token string) error {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			return errors.New("invalid token")
		}
		return nil
	}
}

// Handler serves a remote.Channel to websocket clients.
type Handler struct {
	backend  remote.Channel
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAuthenticator rejects requests whose token fails auth.
func WithAuthenticator(auth Authenticator) HandlerOption {
	return func(h *Handler) { h.auth = auth }
}

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler serves backend.
func NewHandler(backend remote.Channel, opts ...HandlerOption) *Handler {
	h := &Handler{
		backend:  backend,
		upgrader: websocket.Upgrader{EnableCompression: true},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until it
// closes. Subscriptions end with the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{
		h:    h,
		conn: conn,
		ctx:  ctx,
		subs: map[string]context.CancelFunc{},
		log:  h.logger.With("peer", r.RemoteAddr),
	}
	defer func() {
		cancel()
		sc.wg.Wait()
		conn.Close()
	}()

	sc.log.Debug("client connected")
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sc.log.Debug("client read failed", "error", err)
			}
			return
		}
		sc.handle(req)
	}
}

type serverConn struct {
	h    *Handler
	conn *websocket.Conn
	ctx  context.Context
	log  *slog.Logger

	writeMu sync.Mutex
	wg      sync.WaitGroup

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (sc *serverConn) send(res response) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := sc.conn.WriteJSON(res); err != nil {
		sc.log.Debug("client write failed", "error", err)
	}
}

func (sc *serverConn) reply(id string, result any, err error) {
	res := response{ID: id}
	if err != nil {
		res.Error = toRemoteError(err)
	} else if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			res.Error = remote.NewError(remote.KindValidation, "encode result: "+mErr.Error())
		} else {
			res.Result = raw
		}
	}
	sc.send(res)
}

// handle answers one request. Mutations and fetches are answered in
// arrival order; subscriptions stream on their own goroutine.
func (sc *serverConn) handle(req request) {
	if sc.h.auth != nil {
		if err := sc.h.auth(sc.ctx, req.Token); err != nil {
			sc.reply(req.ID, nil, &remote.Error{Kind: remote.KindAuth, Message: err.Error()})
			return
		}
	}

	switch req.Method {
	case methodMutate:
		var p remote.MutationRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			sc.reply(req.ID, nil, badParams(err))
			return
		}
		resp, err := sc.h.backend.SendMutation(sc.ctx, p)
		sc.reply(req.ID, resp, err)

	case methodFetch:
		var p fetchParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			sc.reply(req.ID, nil, badParams(err))
			return
		}
		page, err := sc.h.backend.FetchAll(sc.ctx, p.Model, p.Cursor)
		sc.reply(req.ID, page, err)

	case methodSubscribe:
		var p subscribeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			sc.reply(req.ID, nil, badParams(err))
			return
		}
		sc.subscribe(req.ID, p.Models)

	case methodUnsubscribe:
		var p unsubscribeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			sc.reply(req.ID, nil, badParams(err))
			return
		}
		sc.mu.Lock()
		cancel, ok := sc.subs[p.Subscription]
		sc.mu.Unlock()
		if ok {
			cancel()
		}
		sc.reply(req.ID, nil, nil)

	default:
		sc.reply(req.ID, nil, remote.NewError(remote.KindValidation, "unknown method "+req.Method))
	}
}

func (sc *serverConn) subscribe(id string, models []string) {
	ctx, cancel := context.WithCancel(sc.ctx)
	notices, err := sc.h.backend.Subscribe(ctx, models)
	if err != nil {
		cancel()
		sc.reply(id, nil, err)
		return
	}

	sc.mu.Lock()
	sc.subs[id] = cancel
	sc.mu.Unlock()
	sc.reply(id, nil, nil)

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		defer func() {
			sc.mu.Lock()
			delete(sc.subs, id)
			sc.mu.Unlock()
			cancel()
		}()
		for n := range notices {
			sc.send(response{Subscription: id, Notice: &n})
		}
		if sc.ctx.Err() == nil {
			sc.send(response{Subscription: id, Ended: true})
		}
	}()
}

func badParams(err error) error {
	return &remote.Error{Kind: remote.KindValidation, Message: "invalid params", Err: err}
}

// toRemoteError keeps the kind of backend errors; anything else crosses
// the wire as a network failure.
func toRemoteError(err error) *remote.Error {
	var re *remote.Error
	if errors.As(err, &re) {
		return &remote.Error{Kind: re.Kind, Message: re.Message}
	}
	return &remote.Error{Kind: remote.KindOf(err), Message: err.Error()}
}
