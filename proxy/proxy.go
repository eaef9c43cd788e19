// Package proxy provides a transparent pass-through proxy between an LLM
// client and an OpenAI-compatible upstream that observes per-request token
// usage on the way through. Forwarding always wins over observation: bytes
// reach the client verbatim and on time even when extraction fails.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/codexusage/codexusage/pkg/sse"
	"github.com/codexusage/codexusage/pkg/usage"
	"github.com/codexusage/codexusage/proxy/header"
)

// maxRequestBody caps buffered client request bodies. Fiber answers 413
// on its own when the limit is exceeded.
const maxRequestBody = 16 << 20

// conversationHeaders are checked in order for an explicit conversation
// identifier before falling back to the request body.
var conversationHeaders = []string{"conversation_id", "session_id"}

// Emitter receives finished usage events. Enqueue must not block.
type Emitter interface {
	Enqueue(ev usage.Event) bool
}

// Proxy is the transparent usage-observing proxy server.
type Proxy struct {
	config        Config
	emitter       Emitter
	logger        *zap.Logger
	httpClient    *http.Client
	server        *fiber.App
	headerHandler *header.Handler
}

// New creates a new Proxy that reports finished events to the emitter.
func New(config Config, emitter Emitter, logger *zap.Logger) *Proxy {
	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		// Enable streaming
		StreamRequestBody: true,
		BodyLimit:         maxRequestBody,
	})

	p := &Proxy{
		config:        config,
		emitter:       emitter,
		logger:        logger,
		server:        app,
		headerHandler: header.NewHandler(),
		httpClient: &http.Client{
			// LLM requests can be slow, especially with reasoning models
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				// The transport must not inject gzip negotiation: the
				// forwarded bytes are also what the usage parser reads.
				DisableCompression: true,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects belong to the client, not the proxy.
				return http.ErrUseLastResponse
			},
		},
	}

	// Register transparent proxy route - forwards any path to upstream
	app.All("/*", p.handleProxy)

	return p
}

// Run starts the proxy server on the configured listening address.
func (p *Proxy) Run() error {
	p.logger.Info("starting proxy server",
		zap.String("listen", p.config.ListenAddr),
		zap.String("upstream", p.config.UpstreamBaseURL),
	)

	return p.server.Listen(p.config.ListenAddr)
}

// RunWithListener starts the proxy server using the provided listener.
func (p *Proxy) RunWithListener(listener net.Listener) error {
	p.logger.Info("starting proxy server",
		zap.String("listen", listener.Addr().String()),
		zap.String("upstream", p.config.UpstreamBaseURL),
	)

	return p.server.Listener(listener)
}

// Close gracefully shuts down the proxy server.
func (p *Proxy) Close() error {
	return p.server.Shutdown()
}

// RelativePath strips the public base path prefix from a request path.
// Only whole path segments match: with base "/v1", "/v1/responses" maps to
// "/responses" and "/v1" to "/", but "/v123/responses" is left alone.
func RelativePath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		return path
	}
	if path == base {
		return "/"
	}
	if rest, ok := strings.CutPrefix(path, base+"/"); ok {
		return "/" + rest
	}
	return path
}

// handleProxy forwards one request to the upstream and observes the
// exchange for usage.
func (p *Proxy) handleProxy(c *fiber.Ctx) error {
	method := c.Method()
	path := c.Path()
	body := c.Body()

	reqID := p.config.Requests.NextID()
	p.config.Requests.LogRequest(reqID, method, path, fiberRequestHeaders(c), body)

	var hints usage.Hints
	observed := method == http.MethodPost && len(body) > 0
	if observed {
		hints = usage.ExtractRequestHints(body)
		if convID := p.conversationFromHeaders(c); convID != "" {
			hints.ConversationID = convID
		}
	}

	upstreamURL := p.upstreamURL(c, path)

	// context.Background() instead of c.Context() because fasthttp recycles
	// its RequestCtx after the handler returns, while a streaming body is
	// still being copied from the upstream connection.
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(context.Background(), method, upstreamURL, reqBody)
	if err != nil {
		p.logger.Error("failed to create upstream request", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	p.headerHandler.SetUpstreamRequestHeaders(c, httpReq)

	p.logger.Debug("forwarding request to upstream",
		zap.String("method", method),
		zap.String("url", upstreamURL),
	)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.Error("upstream request failed", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream request failed"})
	}

	if isEventStream(httpResp) {
		return p.forwardStreaming(c, httpResp, reqID, hints, observed)
	}

	return p.forwardBuffered(c, httpResp, reqID, hints, observed)
}

// forwardBuffered relays a non-streaming upstream response and extracts
// usage from the buffered JSON body.
func (p *Proxy) forwardBuffered(c *fiber.Ctx, httpResp *http.Response, reqID string, hints usage.Hints, observed bool) error {
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		p.logger.Error("failed to read upstream response", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "failed to read upstream response"})
	}

	p.headerHandler.SetClientResponseHeaders(c, httpResp)
	p.config.Requests.LogResponse(reqID, httpResp.StatusCode, httpResp.Header, respBody)

	if observed && httpResp.StatusCode == http.StatusOK {
		var metrics *usage.Metrics
		var summary string

		var root map[string]any
		if err := json.Unmarshal(respBody, &root); err == nil {
			if m, ok := usage.ExtractMetrics(root); ok {
				metrics = &m
			}
			summary = usage.ExtractResponseSummary(respBody)
		}

		p.emit(hints, metrics, summary)
	}

	// Return response to client immediately
	return c.Status(httpResp.StatusCode).Send(respBody)
}

// forwardStreaming relays an SSE upstream response chunk by chunk through
// a tap that feeds the usage parser, then assembles the event once the
// stream finishes.
func (p *Proxy) forwardStreaming(c *fiber.Ctx, httpResp *http.Response, reqID string, hints usage.Hints, observed bool) error {
	p.headerHandler.SetClientResponseHeaders(c, httpResp)
	c.Status(httpResp.StatusCode)
	p.config.Requests.LogStreamStart(reqID, httpResp.StatusCode, httpResp.Header)

	requests := p.config.Requests
	tap := sse.NewTap(httpResp.Body, func(chunk []byte) {
		requests.LogResponseChunk(reqID, chunk)
	})

	go func() {
		capture := <-tap.Capture()
		requests.LogStreamEnd(reqID)

		if !observed {
			return
		}
		if capture.ChatStyle && capture.Usage == nil {
			p.logger.Debug("chat-style stream carried no usage block",
				zap.String("model", hints.Model),
			)
		}
		p.emit(hints, capture.Usage, capture.Summary)
	}()

	// The tap is handed straight to fasthttp: every Read forwards one
	// upstream chunk to the client with backpressure, and -1 switches the
	// client leg to chunked transfer encoding. fasthttp closes the tap
	// when the stream ends, which closes the upstream body.
	c.Context().Response.SetBodyStream(tap, -1)

	return nil
}

// emit assembles and enqueues one usage event. metrics is nil when the
// upstream never reported usage; the event is still recorded so request
// counts stay honest, just with zero counters.
func (p *Proxy) emit(hints usage.Hints, metrics *usage.Metrics, summary string) {
	ev := usage.Event{
		Timestamp:      time.Now().UTC(),
		Model:          hints.Model,
		Title:          hints.Title,
		Summary:        summary,
		ConversationID: hints.ConversationID,
	}
	if metrics != nil {
		if metrics.Model != "" {
			ev.Model = metrics.Model
		}
		ev.PromptTokens = metrics.PromptTokens
		ev.CachedPromptTokens = metrics.CachedPromptTokens
		ev.CompletionTokens = metrics.CompletionTokens
		ev.TotalTokens = metrics.TotalTokens
		ev.ReasoningTokens = metrics.ReasoningTokens
		ev.UsageIncluded = true
	}
	ev.Normalize()

	if ev.UsageIncluded && p.config.Prices != nil {
		date := ev.Timestamp.Format(time.DateOnly)
		ev.CostUSD = p.config.Prices.Cost(ev.Model, date, ev.PromptTokens, ev.CachedPromptTokens, ev.CompletionTokens)
	}

	p.emitter.Enqueue(ev)
}

// upstreamURL joins the upstream base with the request path relative to
// the public base path, carrying the query string through untouched.
func (p *Proxy) upstreamURL(c *fiber.Ctx, path string) string {
	rel := RelativePath(p.config.PublicBasePath, path)
	url := strings.TrimSuffix(p.config.UpstreamBaseURL, "/") + rel
	if qs := string(c.Context().URI().QueryString()); qs != "" {
		url += "?" + qs
	}
	return url
}

func (p *Proxy) conversationFromHeaders(c *fiber.Ctx) string {
	for _, name := range conversationHeaders {
		if v := strings.TrimSpace(c.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func isEventStream(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	return strings.Contains(ct, "text/event-stream")
}

func fiberRequestHeaders(c *fiber.Ctx) map[string][]string {
	headers := make(map[string][]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := string(key)
		headers[k] = append(headers[k], string(value))
	})
	return headers
}
