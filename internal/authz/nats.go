package authz

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/latticeio/latticed/internal/ids"
	"github.com/nats-io/nats.go"
)

// NatsAuthorizer sends an authorization request over NATS request-reply,
// for deployments where the session backend sits behind a message bus
// rather than an HTTP endpoint, following the pack's Conn/Request
// connection pattern rather than subject-subscribe streaming.
type NatsAuthorizer struct {
	conn    *nats.Conn
	subject string
}

func NewNatsAuthorizer(conn *nats.Conn, subject string) *NatsAuthorizer {
	return &NatsAuthorizer{conn: conn, subject: subject}
}

type natsAuthRequest struct {
	RemoteAddr string            `json:"remote_addr"`
	Cookies    map[string]string `json:"cookies"`
	Path       string            `json:"path"`
}

type natsAuthResponse struct {
	SessionId ids.SessionId   `json:"session_id"`
	Hello     json.RawMessage `json:"hello"`
	Status    int             `json:"status"`
}

func (a *NatsAuthorizer) Authorize(ctx context.Context, r *http.Request) (ids.SessionId, json.RawMessage, error) {
	cookies := make(map[string]string, len(r.Cookies()))
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}

	payload, err := json.Marshal(natsAuthRequest{
		RemoteAddr: r.RemoteAddr,
		Cookies:    cookies,
		Path:       r.URL.Path,
	})
	if err != nil {
		return "", nil, err
	}

	msg, err := a.conn.RequestWithContext(ctx, a.subject, payload)
	if err != nil {
		return "", nil, err
	}

	var parsed natsAuthResponse
	if err := json.Unmarshal(msg.Data, &parsed); err != nil {
		return "", nil, &HTTPStatusError{Status: http.StatusBadGateway, Body: msg.Data}
	}

	if parsed.Status != 0 && (parsed.Status < 200 || parsed.Status >= 300) {
		return "", nil, &HTTPStatusError{Status: parsed.Status, Body: msg.Data}
	}

	return parsed.SessionId, parsed.Hello, nil
}
