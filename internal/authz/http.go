package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/latticeio/latticed/internal/ids"
)

// HTTPAuthorizer forwards the upgrade request's cookies and headers to an
// upstream HTTP endpoint, mirroring how the original swindon_chat handler
// delegates session authorization to the application backend rather than
// deciding it in-process. A 2xx response body is expected to carry the
// SessionId and hello metadata as JSON; any other status becomes an
// HTTPStatusError the caller turns into FatalError(HttpError(status)).
type HTTPAuthorizer struct {
	URL    string
	Client *http.Client
}

func NewHTTPAuthorizer(url string, timeout time.Duration) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type httpAuthResponse struct {
	SessionId ids.SessionId   `json:"session_id"`
	Hello     json.RawMessage `json:"hello"`
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, r *http.Request) (ids.SessionId, json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, nil)
	if err != nil {
		return "", nil, err
	}
	for _, cookie := range r.Cookies() {
		req.AddCookie(cookie)
	}
	req.Header.Set("X-Forwarded-For", r.RemoteAddr)
	if origin := r.Header.Get("Origin"); origin != "" {
		req.Header.Set("Origin", origin)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, &HTTPStatusError{Status: resp.StatusCode, Body: body}
	}

	var parsed httpAuthResponse
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&parsed); err != nil {
		return "", nil, &HTTPStatusError{Status: http.StatusBadGateway, Body: body}
	}

	return parsed.SessionId, parsed.Hello, nil
}
