// Package wsremote carries remote.Channel over a websocket as JSON-RPC
// style messages. Client dials a server; Handler serves any
// remote.Channel to websocket clients.
//
// Every request carries an id echoed by its response. Change notices for a
// subscription arrive as id-less messages naming the subscription, which
// is the id of the subscribe request.
package wsremote

import (
	"encoding/json"

	"github.com/roach88/tether/internal/remote"
)

const (
	methodMutate      = "mutate"
	methodFetch       = "fetch"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)

type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Token  string          `json:"token,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *remote.Error   `json:"error,omitempty"`

	// Set on subscription messages instead of ID.
	Subscription string               `json:"subscription,omitempty"`
	Notice       *remote.ChangeNotice `json:"notice,omitempty"`
	Ended        bool                 `json:"ended,omitempty"`
}

type fetchParams struct {
	Model  string `json:"model"`
	Cursor string `json:"cursor"`
}

type subscribeParams struct {
	Models []string `json:"models"`
}

type unsubscribeParams struct {
	Subscription string `json:"subscription"`
}
