package server

import (
	"context"

	gateway "github.com/castellan-io/relaygate/internal"
)

// firstChunk pulls the first event off a stream channel before any HTTP
// status has been committed. This lets the caller inspect chunk.Err and
// still choose between a normal JSON error response and an SSE stream,
// something that's impossible once writeSSEHeaders has already sent a 200.
//
// gotChunk is false only if the request context was canceled before the
// upstream produced anything; in that case chunk and chOpen are zero values
// and the caller has nothing left to commit.
func firstChunk(ctx context.Context, ch <-chan gateway.StreamChunk) (chunk gateway.StreamChunk, chOpen bool, gotChunk bool) {
	select {
	case chunk, chOpen = <-ch:
		return chunk, chOpen, true
	case <-ctx.Done():
		return gateway.StreamChunk{}, false, false
	}
}
