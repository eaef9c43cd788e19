package sse_test

import (
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codexusage/codexusage/pkg/sse"
)

var _ = Describe("Tap", func() {
	It("forwards the stream verbatim while parsing it", func() {
		body := io.NopCloser(strings.NewReader(responsesStream))

		var observed []byte
		tap := sse.NewTap(body, func(chunk []byte) {
			observed = append(observed, chunk...)
		})

		forwarded, err := io.ReadAll(tap)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(forwarded)).To(Equal(responsesStream))
		Expect(string(observed)).To(Equal(responsesStream))

		capture := <-tap.Capture()
		Expect(capture.Usage).NotTo(BeNil())
		Expect(capture.Usage.PromptTokens).To(Equal(uint64(1200)))
	})

	It("delivers the capture exactly once on EOF then Close", func() {
		body := io.NopCloser(strings.NewReader(chatStream))
		tap := sse.NewTap(body, nil)

		_, err := io.ReadAll(tap)
		Expect(err).NotTo(HaveOccurred())
		Expect(tap.Close()).To(Succeed())

		capture, ok := <-tap.Capture()
		Expect(ok).To(BeTrue())
		Expect(capture.ChatStyle).To(BeTrue())

		// Channel is closed after the single delivery.
		_, ok = <-tap.Capture()
		Expect(ok).To(BeFalse())
	})

	It("delivers a capture when the stream is abandoned before EOF", func() {
		body := io.NopCloser(strings.NewReader(responsesStream))
		tap := sse.NewTap(body, nil)

		buf := make([]byte, 10)
		_, err := tap.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(tap.Close()).To(Succeed())

		capture, ok := <-tap.Capture()
		Expect(ok).To(BeTrue())
		// Only a partial event was read, so there is nothing captured,
		// but the channel still resolves so the proxy goroutine exits.
		Expect(capture.Usage).To(BeNil())
	})
})
