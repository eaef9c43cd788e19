package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SSE streaming forwarding", func() {
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

	streamRequest := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/responses",
			strings.NewReader(`{"model":"gpt-5","stream":true,"input":[{"role":"user","content":"Say hello"}]}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		return req
	}

	Context("with a Responses-API stream carrying usage", func() {
		events := []string{
			"event: response.created\ndata: {\"type\":\"response.created\"}\n\n",
			"event: response.output_item.done\ndata: {\"type\":\"response.output_item.done\",\"item\":{\"type\":\"message\",\"role\":\"assistant\",\"content\":[{\"type\":\"output_text\",\"text\":\"Hello!\"}]}}\n\n",
			"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"model\":\"gpt-5-2025-08-07\",\"usage\":{\"input_tokens\":90,\"output_tokens\":12}}}\n\n",
		}

		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				flusher, ok := w.(http.Flusher)
				Expect(ok).To(BeTrue())
				for _, event := range events {
					fmt.Fprint(w, event)
					flusher.Flush()
				}
			}))
			p, emitter = newTestProxy(upstream.URL)
		})

		It("forwards every event verbatim with \\n\\n boundaries intact", func() {
			resp, err := p.server.Test(streamRequest(), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(strings.Join(events, "")))
		})

		It("emits one usage event after the stream completes", func() {
			resp, err := p.server.Test(streamRequest(), -1)
			Expect(err).NotTo(HaveOccurred())
			_, err = io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Eventually(emitter.emitted).Should(HaveLen(1))
			ev := emitter.emitted()[0]
			Expect(ev.Model).To(Equal("gpt-5-2025-08-07"))
			Expect(ev.PromptTokens).To(Equal(uint64(90)))
			Expect(ev.CompletionTokens).To(Equal(uint64(12)))
			Expect(ev.UsageIncluded).To(BeTrue())
			Expect(ev.Summary).To(Equal("Hello!"))
			Expect(ev.CostUSD).NotTo(BeNil())
		})
	})

	Context("with an upstream declaring an oddly cased content type", func() {
		events := []string{
			"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"model\":\"gpt-5-2025-08-07\",\"usage\":{\"input_tokens\":30,\"output_tokens\":4}}}\n\n",
		}

		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "Text/Event-Stream; charset=utf-8")
				flusher, _ := w.(http.Flusher)
				for _, event := range events {
					fmt.Fprint(w, event)
					flusher.Flush()
				}
			}))
			p, emitter = newTestProxy(upstream.URL)
		})

		It("still treats the response as a stream and extracts usage", func() {
			resp, err := p.server.Test(streamRequest(), -1)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(strings.Join(events, "")))

			Eventually(emitter.emitted).Should(HaveLen(1))
			ev := emitter.emitted()[0]
			Expect(ev.PromptTokens).To(Equal(uint64(30)))
			Expect(ev.UsageIncluded).To(BeTrue())
		})
	})

	Context("with a chat-completions stream carrying no usage", func() {
		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				flusher, _ := w.(http.Flusher)
				for _, event := range []string{
					"data: {\"object\":\"chat.completion.chunk\",\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n",
					"data: [DONE]\n\n",
				} {
					fmt.Fprint(w, event)
					flusher.Flush()
				}
			}))
			p, emitter = newTestProxy(upstream.URL)
		})

		It("still emits an event with zero counters and the request model", func() {
			resp, err := p.server.Test(streamRequest(), -1)
			Expect(err).NotTo(HaveOccurred())
			_, err = io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Eventually(emitter.emitted).Should(HaveLen(1))
			ev := emitter.emitted()[0]
			Expect(ev.Model).To(Equal("gpt-5"))
			Expect(ev.UsageIncluded).To(BeFalse())
			Expect(ev.TotalTokens).To(Equal(uint64(0)))
			Expect(ev.CostUSD).To(BeNil())
		})
	})
})
