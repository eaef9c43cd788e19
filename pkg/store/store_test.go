package store_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codexusage/codexusage/pkg/logger"
	"github.com/codexusage/codexusage/pkg/pricing"
	"github.com/codexusage/codexusage/pkg/store"
	"github.com/codexusage/codexusage/pkg/usage"
)

func rate(v float64) *float64 { return &v }

var _ = Describe("Store", func() {
	var (
		ctx    context.Context
		tmpDir string
		dbPath string
		st     *store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		tmpDir, err = os.MkdirTemp("", "store-test-*")
		Expect(err).NotTo(HaveOccurred())
		dbPath = filepath.Join(tmpDir, "usage.db")

		st, err = store.Open(dbPath, logger.Nop())
		Expect(err).NotTo(HaveOccurred())
		Expect(st.EnsureSchema(ctx)).To(Succeed())
	})

	AfterEach(func() {
		if st != nil {
			st.Close()
		}
		os.RemoveAll(tmpDir)
	})

	event := func(ts time.Time, model, conv string, prompt, cached, compl uint64) usage.Event {
		ev := usage.Event{
			Timestamp:          ts,
			Model:              model,
			ConversationID:     conv,
			PromptTokens:       prompt,
			CachedPromptTokens: cached,
			CompletionTokens:   compl,
			UsageIncluded:      true,
		}
		ev.Normalize()
		return ev
	}

	Describe("priced events", func() {
		BeforeEach(func() {
			_, err := st.InsertPrice(ctx, pricing.Price{
				Model: "gpt-5", EffectiveFrom: "2025-08-07",
				PromptPer1M: 1.25, CachedPromptPer1M: rate(0.125), CompletionPer1M: 10.00,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("prices an event against the longest matching prefix", func() {
			ts := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
			Expect(st.RecordEvent(ctx, event(ts, "gpt-5-2025-08-07", "c1", 1000, 800, 100))).To(Succeed())

			events, err := st.RecentEvents(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].MissingPrice).To(BeFalse())
			Expect(events[0].CostUSD).NotTo(BeNil())
			// 200*1.25 + 800*0.125 + 100*10.00 = 1350 per 1M
			Expect(*events[0].CostUSD).To(BeNumerically("~", 0.00135, 1e-9))
		})

		It("flags events with tokens but no matching price", func() {
			ts := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
			Expect(st.RecordEvent(ctx, event(ts, "claude-3", "c1", 100, 0, 10))).To(Succeed())

			events, err := st.RecentEvents(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].CostUSD).To(BeNil())
			Expect(events[0].MissingPrice).To(BeTrue())

			unpriced, err := st.MissingPriceModels(ctx, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(unpriced).To(HaveLen(1))
			Expect(unpriced[0].Model).To(Equal("claude-3"))
			Expect(unpriced[0].Events).To(Equal(uint64(1)))
		})

		It("does not flag zero-token events without a price", func() {
			ts := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
			ev := usage.Event{Timestamp: ts, Model: "claude-3", UsageIncluded: false}
			ev.Normalize()
			Expect(st.RecordEvent(ctx, ev)).To(Succeed())

			events, err := st.RecentEvents(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].MissingPrice).To(BeFalse())
		})

		It("ignores price rows that postdate the event", func() {
			ts := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
			Expect(st.RecordEvent(ctx, event(ts, "gpt-5", "c1", 100, 0, 10))).To(Succeed())

			events, err := st.RecentEvents(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(events[0].CostUSD).To(BeNil())
			Expect(events[0].MissingPrice).To(BeTrue())
		})

		It("reprices history when the price table changes", func() {
			ts := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
			Expect(st.RecordEvent(ctx, event(ts, "gpt-5", "c1", 1_000_000, 0, 0))).To(Succeed())

			events, err := st.RecentEvents(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(*events[0].CostUSD).To(BeNumerically("~", 1.25, 1e-9))

			rows, err := st.ListPrices(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			updated := rows[0].Price
			updated.PromptPer1M = 2.50
			Expect(st.UpdatePrice(ctx, rows[0].ID, updated)).To(Succeed())

			events, err = st.RecentEvents(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(*events[0].CostUSD).To(BeNumerically("~", 2.50, 1e-9))
		})
	})

	Describe("daily rollups", func() {
		BeforeEach(func() {
			Expect(st.SeedPricesIfEmpty(ctx, pricing.Defaults())).To(Succeed())
		})

		It("accumulates counters per (date, model)", func() {
			ts := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
			day := ts.Format(time.DateOnly)
			Expect(st.RecordDailyStat(ctx, day, event(ts, "gpt-5", "", 100, 0, 10))).To(Succeed())
			Expect(st.RecordDailyStat(ctx, day, event(ts, "gpt-5", "", 50, 0, 5))).To(Succeed())

			stats, err := st.RecentDailyStats(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats).To(HaveLen(1))
			Expect(stats[0].Model).To(Equal("gpt-5"))
			Expect(stats[0].PromptTokens).To(Equal(uint64(150)))
			Expect(stats[0].CompletionTokens).To(Equal(uint64(15)))
			Expect(stats[0].CostUSD).NotTo(BeNil())
		})

		It("sums ranges with nil cost once any model is unpriced", func() {
			ts := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
			day := ts.Format(time.DateOnly)
			Expect(st.RecordDailyStat(ctx, day, event(ts, "gpt-5", "", 100, 0, 10))).To(Succeed())

			totals, err := st.TotalsBetween(ctx, day, day)
			Expect(err).NotTo(HaveOccurred())
			Expect(totals.PromptTokens).To(Equal(uint64(100)))
			Expect(totals.CostUSD).NotTo(BeNil())

			Expect(st.RecordDailyStat(ctx, day, event(ts, "unpriced-model", "", 7, 0, 3))).To(Succeed())

			totals, err = st.TotalsBetween(ctx, day, day)
			Expect(err).NotTo(HaveOccurred())
			Expect(totals.PromptTokens).To(Equal(uint64(107)))
			Expect(totals.CostUSD).To(BeNil())
		})

		It("returns zero totals for an empty range", func() {
			totals, err := st.TotalsBetween(ctx, "2020-01-01", "2020-01-31")
			Expect(err).NotTo(HaveOccurred())
			Expect(totals.TotalTokens).To(Equal(uint64(0)))
			Expect(totals.CostUSD).NotTo(BeNil())
			Expect(*totals.CostUSD).To(Equal(0.0))
		})
	})

	Describe("conversation rollups", func() {
		day := "2025-08-20"

		BeforeEach(func() {
			Expect(st.SeedPricesIfEmpty(ctx, pricing.Defaults())).To(Succeed())

			t0 := time.Date(2025, 8, 20, 9, 0, 0, 0, time.UTC)
			events := []usage.Event{
				func() usage.Event {
					ev := event(t0, "gpt-5", "conv-a", 1_000_000, 0, 0)
					ev.Title = "First question"
					return ev
				}(),
				func() usage.Event {
					ev := event(t0.Add(time.Hour), "gpt-5", "conv-a", 500_000, 0, 0)
					ev.Summary = "Latest answer"
					return ev
				}(),
				event(t0.Add(2*time.Hour), "gpt-5", "conv-b", 100_000, 0, 0),
				event(t0.Add(3*time.Hour), "gpt-5", "", 50_000, 0, 0),
			}
			for _, ev := range events {
				Expect(st.RecordEvent(ctx, ev)).To(Succeed())
			}
		})

		It("ranks conversations by window spend, excluding unlabeled by default", func() {
			convs, err := st.TopConversationsBetween(ctx, day, day, 10, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(2))
			Expect(convs[0].ConversationID).To(Equal("conv-a"))
			Expect(convs[1].ConversationID).To(Equal("conv-b"))
			Expect(convs[0].Events).To(Equal(uint64(2)))
			Expect(convs[0].FirstTitle).To(Equal("First question"))
			Expect(convs[0].LastSummary).To(Equal("Latest answer"))
			Expect(convs[0].WindowCostUSD).NotTo(BeNil())
			Expect(convs[0].Lifetime.PromptTokens).To(Equal(uint64(1_500_000)))
		})

		It("includes the unlabeled bucket on request", func() {
			convs, err := st.TopConversationsBetween(ctx, day, day, 10, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(3))

			ids := make([]string, 0, len(convs))
			for _, c := range convs {
				ids = append(ids, c.ConversationID)
			}
			Expect(ids).To(ContainElement(store.UnlabeledConversation))
		})

		It("sums a single conversation inside a window", func() {
			totals, err := st.ConversationTotalsForRange(ctx, "conv-a", day, day)
			Expect(err).NotTo(HaveOccurred())
			Expect(totals.PromptTokens).To(Equal(uint64(1_500_000)))
		})

		It("addresses unlabeled events through the sentinel", func() {
			totals, err := st.ConversationTotalsForRange(ctx, store.UnlabeledConversation, day, day)
			Expect(err).NotTo(HaveOccurred())
			Expect(totals.PromptTokens).To(Equal(uint64(50_000)))

			turns, err := st.ConversationTurns(ctx, store.UnlabeledConversation, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(turns).To(HaveLen(1))
			Expect(turns[0].ConversationID).To(Equal(""))
		})

		It("keeps out-of-window history in lifetime sums but not window rankings", func() {
			early := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
			ev := event(early, "gpt-5", "conv-b", 1_000_000, 0, 0)
			ev.Title = "Original question"
			Expect(st.RecordEvent(ctx, ev)).To(Succeed())

			convs, err := st.TopConversationsBetween(ctx, day, day, 10, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(convs).To(HaveLen(2))

			// Window spend only counts the in-window events, so conv-a
			// still ranks first despite conv-b's larger history.
			Expect(convs[0].ConversationID).To(Equal("conv-a"))
			Expect(convs[1].ConversationID).To(Equal("conv-b"))

			Expect(convs[1].Events).To(Equal(uint64(2)))
			Expect(convs[1].Lifetime.PromptTokens).To(Equal(uint64(1_100_000)))
			Expect(convs[1].FirstTitle).To(Equal("Original question"))
			Expect(convs[1].FirstSeen).To(HavePrefix("2025-07-01"))

			totals, err := st.ConversationTotalsForRange(ctx, "conv-b", day, day)
			Expect(err).NotTo(HaveOccurred())
			Expect(totals.PromptTokens).To(Equal(uint64(100_000)))
		})

		It("returns conversation turns newest first", func() {
			turns, err := st.ConversationTurns(ctx, "conv-a", 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(turns).To(HaveLen(2))
			Expect(turns[0].Summary).To(Equal("Latest answer"))
			Expect(turns[1].Title).To(Equal("First question"))
		})
	})

	Describe("hourly buckets", func() {
		It("groups one day's events by hour", func() {
			Expect(st.SeedPricesIfEmpty(ctx, pricing.Defaults())).To(Succeed())

			day := time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC)
			Expect(st.RecordEvent(ctx, event(day.Add(9*time.Hour), "gpt-5", "", 100, 0, 10))).To(Succeed())
			Expect(st.RecordEvent(ctx, event(day.Add(9*time.Hour+30*time.Minute), "gpt-5", "", 50, 0, 5))).To(Succeed())
			Expect(st.RecordEvent(ctx, event(day.Add(14*time.Hour), "gpt-5", "", 10, 0, 1))).To(Succeed())

			buckets, err := st.HourlyUsageForDay(ctx, "2025-08-20")
			Expect(err).NotTo(HaveOccurred())
			Expect(buckets).To(HaveLen(2))
			Expect(buckets[0].Hour).To(Equal(9))
			Expect(buckets[0].Totals.PromptTokens).To(Equal(uint64(150)))
			Expect(buckets[1].Hour).To(Equal(14))
		})
	})

	Describe("price table persistence", func() {
		It("seeds only an empty table", func() {
			Expect(st.SeedPricesIfEmpty(ctx, pricing.Defaults())).To(Succeed())

			rows, err := st.ListPrices(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(len(pricing.Defaults())))

			// A second seed with a different list must not overwrite edits.
			Expect(st.SeedPricesIfEmpty(ctx, []pricing.Price{
				{Model: "other", EffectiveFrom: "2025-01-01", PromptPer1M: 1, CompletionPer1M: 1},
			})).To(Succeed())

			rows, err = st.ListPrices(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(len(pricing.Defaults())))
		})

		It("reports not-found on update and delete of absent ids", func() {
			Expect(st.UpdatePrice(ctx, 999, pricing.Price{
				Model: "x", EffectiveFrom: "2025-01-01", PromptPer1M: 1, CompletionPer1M: 1,
			})).To(MatchError(ContainSubstring("not found")))
			Expect(st.DeletePrice(ctx, 999)).To(MatchError(ContainSubstring("not found")))
		})
	})

	Describe("schema lifecycle", func() {
		It("is idempotent across reopen", func() {
			ts := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
			Expect(st.RecordEvent(ctx, event(ts, "gpt-5", "c", 10, 0, 1))).To(Succeed())
			Expect(st.Close()).To(Succeed())

			var err error
			st, err = store.Open(dbPath, logger.Nop())
			Expect(err).NotTo(HaveOccurred())
			Expect(st.EnsureSchema(ctx)).To(Succeed())

			events, err := st.RecentEvents(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
		})
	})
})

var _ = Describe("legacy migrations", func() {
	var (
		ctx    context.Context
		tmpDir string
		dbPath string
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		tmpDir, err = os.MkdirTemp("", "store-migrate-*")
		Expect(err).NotTo(HaveOccurred())
		dbPath = filepath.Join(tmpDir, "usage.db")
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	seedLegacy := func(stmts ...string) {
		db, err := sql.Open("sqlite3", dbPath)
		Expect(err).NotTo(HaveOccurred())
		defer db.Close()
		for _, stmt := range stmts {
			_, err := db.Exec(stmt)
			Expect(err).NotTo(HaveOccurred(), stmt)
		}
	}

	It("drops a persisted cost_usd column while keeping the rows", func() {
		seedLegacy(
			`CREATE TABLE event_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				model TEXT NOT NULL,
				title TEXT,
				summary TEXT,
				conversation_id TEXT,
				prompt_tokens INTEGER NOT NULL DEFAULT 0,
				cached_prompt_tokens INTEGER NOT NULL DEFAULT 0,
				completion_tokens INTEGER NOT NULL DEFAULT 0,
				total_tokens INTEGER NOT NULL DEFAULT 0,
				reasoning_tokens INTEGER NOT NULL DEFAULT 0,
				usage_included INTEGER NOT NULL DEFAULT 1,
				cost_usd REAL
			)`,
			`INSERT INTO event_log (timestamp, model, prompt_tokens, completion_tokens, total_tokens, cost_usd)
			 VALUES ('2025-08-20T10:00:00Z', 'gpt-5', 100, 10, 110, 0.123)`,
		)

		st, err := store.Open(dbPath, logger.Nop())
		Expect(err).NotTo(HaveOccurred())
		defer st.Close()
		Expect(st.EnsureSchema(ctx)).To(Succeed())

		events, err := st.RecentEvents(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Model).To(Equal("gpt-5"))
		Expect(events[0].PromptTokens).To(Equal(uint64(100)))
		// The stale persisted cost is gone; without prices the event is
		// simply unpriced.
		Expect(events[0].CostUSD).To(BeNil())
	})

	It("drops a per-1k price table and lets the seed repopulate it", func() {
		seedLegacy(
			`CREATE TABLE prices (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				model TEXT NOT NULL,
				effective_from TEXT NOT NULL,
				prompt_per_1k REAL NOT NULL,
				completion_per_1k REAL NOT NULL
			)`,
			`INSERT INTO prices (model, effective_from, prompt_per_1k, completion_per_1k)
			 VALUES ('gpt-4', '2023-06-01', 0.03, 0.06)`,
		)

		st, err := store.Open(dbPath, logger.Nop())
		Expect(err).NotTo(HaveOccurred())
		defer st.Close()
		Expect(st.EnsureSchema(ctx)).To(Succeed())

		rows, err := st.ListPrices(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(BeEmpty())

		Expect(st.SeedPricesIfEmpty(ctx, pricing.Defaults())).To(Succeed())
		rows, err = st.ListPrices(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(len(pricing.Defaults())))
	})
})
