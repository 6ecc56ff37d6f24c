// Package rpctransport defines the JSON-RPC transport interface that
// RequestQueue (C3) and RpcCache (C4) are built against, and provides one
// concrete HTTP implementation. Spec §1 calls the concrete transport an
// opaque, unspecified collaborator — this package exists so the core is
// runnable and testable out of the box, not because the spec mandates this
// particular transport.
package rpctransport

import (
	"context"
	"encoding/json"
)

// Request is a single JSON-RPC call envelope, matching spec §6's
// "{method, params}" shape for RequestQueue.request.
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Transport sends one JSON-RPC call to a given chain and returns the raw
// "result" field. Implementations surface their own error type unchanged
// (spec §4.4: "The underlying RPC error type is surfaced unchanged"); the
// core never wraps or reinterprets it beyond attaching context.
type Transport interface {
	Call(ctx context.Context, chainID uint64, req Request) (json.RawMessage, error)
}
