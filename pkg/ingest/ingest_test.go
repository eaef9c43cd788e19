package ingest

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codexusage/codexusage/pkg/logger"
	"github.com/codexusage/codexusage/pkg/usage"
)

// captureEmitter collects every enqueued event.
type captureEmitter struct {
	events []usage.Event
}

func (e *captureEmitter) Enqueue(ev usage.Event) bool {
	e.events = append(e.events, ev)
	return true
}

var _ = Describe("processLine", func() {
	var (
		emitter *captureEmitter
		tailer  *Tailer
	)

	BeforeEach(func() {
		emitter = &captureEmitter{}
		tailer = New("session.jsonl", emitter, logger.Nop(), "")
	})

	It("emits a normalized event for a line with root-level usage", func() {
		tailer.processLine([]byte(`{"timestamp":"2025-08-20T10:00:00Z","session_id":"sess-1","model":"gpt-5","usage":{"input_tokens":100,"input_tokens_details":{"cached_tokens":40},"output_tokens":10}}`))

		Expect(emitter.events).To(HaveLen(1))
		ev := emitter.events[0]
		Expect(ev.Timestamp).To(Equal(time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)))
		Expect(ev.ConversationID).To(Equal("sess-1"))
		Expect(ev.Model).To(Equal("gpt-5"))
		Expect(ev.PromptTokens).To(Equal(uint64(100)))
		Expect(ev.CachedPromptTokens).To(Equal(uint64(40)))
		Expect(ev.CompletionTokens).To(Equal(uint64(10)))
		Expect(ev.TotalTokens).To(Equal(uint64(110)))
		Expect(ev.UsageIncluded).To(BeTrue())
	})

	It("finds usage inside an info envelope", func() {
		tailer.processLine([]byte(`{"timestamp":"2025-08-20T10:00:00Z","info":{"model":"gpt-5-mini","usage":{"input_tokens":5,"output_tokens":2}}}`))

		Expect(emitter.events).To(HaveLen(1))
		Expect(emitter.events[0].Model).To(Equal("gpt-5-mini"))
		Expect(emitter.events[0].PromptTokens).To(Equal(uint64(5)))
	})

	It("finds usage inside a payload envelope", func() {
		tailer.processLine([]byte(`{"payload":{"usage":{"prompt_tokens":7,"completion_tokens":3}}}`))

		Expect(emitter.events).To(HaveLen(1))
		Expect(emitter.events[0].PromptTokens).To(Equal(uint64(7)))
		Expect(emitter.events[0].CompletionTokens).To(Equal(uint64(3)))
	})

	It("labels id-less lines with the per-run fallback session", func() {
		tailer.processLine([]byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
		tailer.processLine([]byte(`{"usage":{"input_tokens":2,"output_tokens":2}}`))

		Expect(emitter.events).To(HaveLen(2))
		Expect(emitter.events[0].ConversationID).NotTo(BeEmpty())
		Expect(emitter.events[1].ConversationID).To(Equal(emitter.events[0].ConversationID))
	})

	It("falls back to now for missing or unparseable timestamps", func() {
		before := time.Now().UTC()
		tailer.processLine([]byte(`{"timestamp":"yesterday","usage":{"input_tokens":1,"output_tokens":1}}`))
		after := time.Now().UTC()

		Expect(emitter.events).To(HaveLen(1))
		ts := emitter.events[0].Timestamp
		Expect(ts).To(BeTemporally(">=", before))
		Expect(ts).To(BeTemporally("<=", after))
	})

	It("skips lines without usage", func() {
		tailer.processLine([]byte(`{"type":"message","text":"hello"}`))
		tailer.processLine([]byte(``))
		Expect(emitter.events).To(BeEmpty())
	})

	It("skips unparseable lines", func() {
		tailer.processLine([]byte(`{not json`))
		tailer.processLine([]byte(`[1,2,3]`))
		Expect(emitter.events).To(BeEmpty())
	})
})

var _ = Describe("lineSession", func() {
	It("prefers session_id, then conversation_id, then the fallback", func() {
		Expect(lineSession(map[string]any{"session_id": "s", "conversation_id": "c"}, "f")).To(Equal("s"))
		Expect(lineSession(map[string]any{"conversation_id": "c"}, "f")).To(Equal("c"))
		Expect(lineSession(map[string]any{"session_id": "   "}, "f")).To(Equal("f"))
		Expect(lineSession(map[string]any{}, "f")).To(Equal("f"))
	})
})

var _ = Describe("readAvailable", func() {
	var (
		tmpDir  string
		logPath string
		emitter *captureEmitter
		tailer  *Tailer
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "ingest-test-*")
		Expect(err).NotTo(HaveOccurred())

		logPath = filepath.Join(tmpDir, "session.jsonl")
		emitter = &captureEmitter{}
		tailer = New(logPath, emitter, logger.Nop(), tmpDir)
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("consumes complete lines and leaves a trailing partial line", func() {
		complete := `{"usage":{"input_tokens":1,"output_tokens":1}}` + "\n"
		partial := `{"usage":{"input_tokens":2,`
		Expect(os.WriteFile(logPath, []byte(complete+partial), 0o644)).To(Succeed())

		file, err := os.Open(logPath)
		Expect(err).NotTo(HaveOccurred())
		defer file.Close()

		offset, err := tailer.readAvailable(file, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(offset).To(Equal(int64(len(complete))))
		Expect(emitter.events).To(HaveLen(1))

		// Completing the line makes it readable from the saved offset.
		rest := `"output_tokens":2}}` + "\n"
		appendFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
		Expect(err).NotTo(HaveOccurred())
		_, err = appendFile.WriteString(rest)
		Expect(err).NotTo(HaveOccurred())
		Expect(appendFile.Close()).To(Succeed())

		offset, err = tailer.readAvailable(file, offset)
		Expect(err).NotTo(HaveOccurred())
		Expect(offset).To(Equal(int64(len(complete) + len(partial) + len(rest))))
		Expect(emitter.events).To(HaveLen(2))
		Expect(emitter.events[1].PromptTokens).To(Equal(uint64(2)))
	})

	It("returns the same offset when nothing new was written", func() {
		line := `{"usage":{"input_tokens":1,"output_tokens":1}}` + "\n"
		Expect(os.WriteFile(logPath, []byte(line), 0o644)).To(Succeed())

		file, err := os.Open(logPath)
		Expect(err).NotTo(HaveOccurred())
		defer file.Close()

		offset, err := tailer.readAvailable(file, 0)
		Expect(err).NotTo(HaveOccurred())

		again, err := tailer.readAvailable(file, offset)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(offset))
		Expect(emitter.events).To(HaveLen(1))
	})
})
