// Package authz implements the out-of-band authorizer collaborator
// spec.md §4.5 defers to: given the upgrade request, produce the
// SessionId and hello metadata the Processor hands back to the client,
// or an error that becomes a FatalError(HttpError) close.
package authz

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/latticeio/latticed/internal/ids"
)

// Authorizer resolves an inbound WebSocket upgrade request to a
// SessionId and arbitrary hello metadata. Implementations must respect
// ctx cancellation so a connector can bound authorization latency.
type Authorizer interface {
	Authorize(ctx context.Context, r *http.Request) (ids.SessionId, json.RawMessage, error)
}

// HTTPStatusError carries the upstream HTTP status an Authorizer
// observed, surfaced to the client as FatalError(HttpError(status)).
type HTTPStatusError struct {
	Status int
	Body   []byte
}

func (e *HTTPStatusError) Error() string {
	return http.StatusText(e.Status)
}
