package proxy

import (
	"github.com/codexusage/codexusage/pkg/pricing"
	"github.com/codexusage/codexusage/pkg/reqlog"
)

// Config is the proxy server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:8787")
	ListenAddr string

	// PublicBasePath is the path prefix clients address the proxy under
	// (e.g., "/v1"). It is stripped before joining with the upstream base.
	PublicBasePath string

	// UpstreamBaseURL is the OpenAI-compatible upstream, including any path
	// prefix (e.g., "https://api.openai.com/v1").
	UpstreamBaseURL string

	// Prices is the emit-time price table used to attach an informational
	// cost to events. May be nil.
	Prices *pricing.Table

	// Requests is the optional NDJSON traffic logger. A nil logger
	// disables request logging.
	Requests *reqlog.Logger
}
