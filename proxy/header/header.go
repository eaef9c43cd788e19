// Package header provides header filtering for the codexusage proxy.
//
// This proxy sits between a client and an OpenAI-compatible upstream like so:
//
//	Client <--> Proxy <--> Upstream API
//
// and headers are handled accordingly as each leg negotiates compression,
// hops, encoding, etc. independently.
package header

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler manages headers between proxy connections.
type Handler struct{}

// NewHandler creates a new header Handler.
func NewHandler() *Handler {
	return &Handler{}
}

// hopByHop headers are only meaningful for a single transport-level
// connection and are never forwarded in either direction.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// skipRequest is the set of request headers (client --> proxy --> upstream)
// that are not forwarded to the upstream API, beyond the hop-by-hop set.
var skipRequest = map[string]struct{}{
	// The Host header is rewritten by Go's http.Transport to match the
	// upstream URL. Forwarding the client's Host would confuse
	// virtual-hosted upstreams.
	"Host": {},

	// Accept-Encoding is stripped so the upstream answers with an identity
	// body. The usage parser reads the forwarded bytes as-is and cannot see
	// through a compressed stream.
	"Accept-Encoding": {},
}

// skipResponse is the set of upstream response headers
// (client <-- proxy <-- upstream) that are not copied back to the
// downstream client, beyond the hop-by-hop set.
var skipResponse = map[string]struct{}{
	// The client-facing Content-Length is recomputed by fasthttp from the
	// body the proxy actually sends; streaming responses switch to chunked
	// transfer encoding instead.
	"Content-Length": {},
}

// SetUpstreamRequestHeaders copies request headers from the Fiber context to
// the outgoing http.Request, filtering headers that the proxy should not
// forward to the upstream API.
func (h *Handler) SetUpstreamRequestHeaders(c *fiber.Ctx, req *http.Request) {
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if skipForUpstream(k) {
			return
		}
		req.Header.Add(k, string(value))
	})
}

// SetClientResponseHeaders copies response headers from the upstream API
// http.Response to the Fiber context, filtering headers that the proxy
// should not forward back down to the client. Each value is added as its
// own header line so multi-value headers like Set-Cookie survive intact.
func (h *Handler) SetClientResponseHeaders(c *fiber.Ctx, resp *http.Response) {
	for k, values := range resp.Header {
		if skipForClient(k) {
			continue
		}
		for _, v := range values {
			c.Response().Header.Add(k, v)
		}
	}
}

func skipForUpstream(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	if _, skip := hopByHop[canonical]; skip {
		return true
	}
	_, skip := skipRequest[canonical]
	return skip
}

func skipForClient(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	if _, skip := hopByHop[canonical]; skip {
		return true
	}
	_, skip := skipResponse[canonical]
	return skip
}
