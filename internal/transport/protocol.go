package transport

import (
	"encoding/json"
	"fmt"
)

// PDU actions of the Cobra v2 protocol used by the client
const (
	actionHandshake         = "auth/handshake"
	actionHandshakeOK       = "auth/handshake/ok"
	actionHandshakeError    = "auth/handshake/error"
	actionAuthenticate      = "auth/authenticate"
	actionAuthenticateOK    = "auth/authenticate/ok"
	actionAuthenticateError = "auth/authenticate/error"
	actionPublish           = "rtm/publish"
	actionPublishOK         = "rtm/publish/ok"
	actionPublishError      = "rtm/publish/error"
	actionSubscribe         = "rtm/subscribe"
	actionSubscribeOK       = "rtm/subscribe/ok"
	actionSubscribeError    = "rtm/subscribe/error"
	actionUnsubscribe       = "rtm/unsubscribe"
	actionUnsubscribeOK     = "rtm/unsubscribe/ok"
	actionUnsubscribeError  = "rtm/unsubscribe/error"
	actionSubscriptionData  = "rtm/subscription/data"
	actionSubscriptionInfo  = "rtm/subscription/info"
	actionSubscriptionError = "rtm/subscription/error"
	actionGenericError      = "/error"

	authMethod = "role_secret"
)

// request is an outbound PDU
type request struct {
	Action string `json:"action"`
	ID     uint64 `json:"id,omitempty"`
	Body   any    `json:"body"`
}

// response is an inbound PDU. Body decoding depends on Action.
type response struct {
	Action string          `json:"action"`
	ID     uint64          `json:"id,omitempty"`
	Body   json.RawMessage `json:"body"`
}

type handshakeBody struct {
	Method string        `json:"method"`
	Data   handshakeData `json:"data"`
}

type handshakeData struct {
	Role string `json:"role"`
}

type handshakeOKBody struct {
	Data struct {
		Nonce        string `json:"nonce"`
		ConnectionID string `json:"connection_id"`
		Version      string `json:"version"`
		Node         string `json:"node"`
	} `json:"data"`
}

type authenticateBody struct {
	Method      string      `json:"method"`
	Credentials credentials `json:"credentials"`
}

type credentials struct {
	Hash string `json:"hash"`
}

type publishBody struct {
	Channels []string        `json:"channels"`
	Message  json.RawMessage `json:"message"`
}

// subscribeBody carries either a channel or a filter; a filtered
// subscription is named by its subscription id alone.
type subscribeBody struct {
	Channel        string `json:"channel,omitempty"`
	SubscriptionID string `json:"subscription_id"`
	Filter         string `json:"filter,omitempty"`
	Position       string `json:"position,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	FastForward    bool   `json:"fast_forward"`
}

type subscriptionBody struct {
	SubscriptionID string `json:"subscription_id"`
	Position       string `json:"position,omitempty"`
}

type subscriptionDataBody struct {
	SubscriptionID string            `json:"subscription_id"`
	Messages       []json.RawMessage `json:"messages"`
	Position       string            `json:"position"`
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (e errorBody) String() string {
	switch {
	case e.Error == "" && e.Reason == "":
		return "unknown error"
	case e.Reason == "":
		return e.Error
	case e.Error == "":
		return e.Reason
	default:
		return fmt.Sprintf("%s: %s", e.Error, e.Reason)
	}
}

// errorMessage extracts a readable error from a raw error body
func errorMessage(action string, body json.RawMessage) string {
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return fmt.Sprintf("%s: %s", action, string(body))
	}
	return fmt.Sprintf("%s: %s", action, e)
}
