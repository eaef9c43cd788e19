package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RelativePath", func() {
	It("strips the base path on whole segment boundaries", func() {
		Expect(RelativePath("/v1", "/v1/responses")).To(Equal("/responses"))
		Expect(RelativePath("/v1", "/v1/chat/completions")).To(Equal("/chat/completions"))
		Expect(RelativePath("/v1", "/v1")).To(Equal("/"))
	})

	It("does not strip partial segment matches", func() {
		Expect(RelativePath("/v1", "/v123/responses")).To(Equal("/v123/responses"))
	})

	It("tolerates a trailing slash on the base", func() {
		Expect(RelativePath("/v1/", "/v1/responses")).To(Equal("/responses"))
	})

	It("passes everything through with an empty base", func() {
		Expect(RelativePath("", "/responses")).To(Equal("/responses"))
		Expect(RelativePath("/", "/responses")).To(Equal("/responses"))
	})
})

var _ = Describe("buffered forwarding", func() {
	var (
		p        *Proxy
		emitter  *recordingEmitter
		upstream *httptest.Server
	)

	AfterEach(func() {
		if p != nil {
			p.Close()
		}
		if upstream != nil {
			upstream.Close()
		}
	})

	Context("when the upstream answers a JSON completion", func() {
		var seenPath, seenQuery, seenHost string

		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seenPath = r.URL.Path
				seenQuery = r.URL.RawQuery
				seenHost = r.Host

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Request-Id", "req-upstream-1")
				_, _ = w.Write([]byte(`{
					"model": "gpt-5-2025-08-07",
					"output": [{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Sure thing."}]}],
					"usage": {"input_tokens": 120, "output_tokens": 30, "input_tokens_details": {"cached_tokens": 100}}
				}`))
			}))
			p, emitter = newTestProxy(upstream.URL)
		})

		It("forwards the body and headers verbatim and emits a priced event", func() {
			req := httptest.NewRequest(http.MethodPost, "/v1/responses?stream=false",
				strings.NewReader(`{"model":"gpt-5","prompt_cache_key":"conv-7","input":[{"role":"user","content":"Write a haiku"}]}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer sk-test")

			resp, err := p.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`"input_tokens": 120`))
			Expect(resp.Header.Get("X-Request-Id")).To(Equal("req-upstream-1"))

			// Base path stripped, query preserved, Host rewritten to upstream.
			Expect(seenPath).To(Equal("/responses"))
			Expect(seenQuery).To(Equal("stream=false"))
			Expect(seenHost).NotTo(ContainSubstring("example.com"))

			Eventually(emitter.emitted).Should(HaveLen(1))
			ev := emitter.emitted()[0]
			Expect(ev.Model).To(Equal("gpt-5-2025-08-07"))
			Expect(ev.PromptTokens).To(Equal(uint64(120)))
			Expect(ev.CachedPromptTokens).To(Equal(uint64(100)))
			Expect(ev.CompletionTokens).To(Equal(uint64(30)))
			Expect(ev.UsageIncluded).To(BeTrue())
			Expect(ev.ConversationID).To(Equal("conv-7"))
			Expect(ev.Title).To(Equal("Write a haiku"))
			Expect(ev.Summary).To(Equal("Sure thing."))
			Expect(ev.CostUSD).NotTo(BeNil())
		})

		It("prefers an explicit conversation header over the body hint", func() {
			req := httptest.NewRequest(http.MethodPost, "/v1/responses",
				strings.NewReader(`{"model":"gpt-5","prompt_cache_key":"conv-7","input":[]}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("session_id", "sess-42")

			resp, err := p.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Eventually(emitter.emitted).Should(HaveLen(1))
			Expect(emitter.emitted()[0].ConversationID).To(Equal("sess-42"))
		})

		It("does not observe GET requests", func() {
			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)

			resp, err := p.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Consistently(emitter.emitted).Should(BeEmpty())
		})
	})

	Context("when the upstream sets multiple cookies", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Add("Set-Cookie", "first=1; Path=/")
				w.Header().Add("Set-Cookie", "second=2; Path=/")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{}`))
			}))
			p, emitter = newTestProxy(upstream.URL)
		})

		It("relays each Set-Cookie as its own header line", func() {
			req := httptest.NewRequest(http.MethodPost, "/v1/responses",
				strings.NewReader(`{"model":"gpt-5","input":[]}`))
			req.Header.Set("Content-Type", "application/json")

			resp, err := p.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			cookies := resp.Header.Values("Set-Cookie")
			Expect(cookies).To(HaveLen(2))
			Expect(cookies).To(ContainElement(HavePrefix("first=1")))
			Expect(cookies).To(ContainElement(HavePrefix("second=2")))
		})
	})

	Context("when the upstream answers an error status", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
			}))
			p, emitter = newTestProxy(upstream.URL)
		})

		It("relays the status and body without emitting usage", func() {
			req := httptest.NewRequest(http.MethodPost, "/v1/responses",
				strings.NewReader(`{"model":"gpt-5","input":[]}`))
			req.Header.Set("Content-Type", "application/json")

			resp, err := p.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(ContainSubstring("rate limited"))

			Consistently(emitter.emitted).Should(BeEmpty())
		})
	})

	Context("when the upstream is unreachable", func() {
		BeforeEach(func() {
			p, emitter = newTestProxy("http://127.0.0.1:1")
		})

		It("answers 502", func() {
			req := httptest.NewRequest(http.MethodPost, "/v1/responses",
				strings.NewReader(`{"model":"gpt-5"}`))
			req.Header.Set("Content-Type", "application/json")

			resp, err := p.server.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})
	})
})
