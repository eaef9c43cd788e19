package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codexusage/codexusage/pkg/pricing"
	"github.com/codexusage/codexusage/pkg/usage"
)

// UnlabeledConversation is the sentinel bucket for events that carried no
// conversation identifier.
const UnlabeledConversation = "__unlabeled__"

// Totals is a summed slice of usage. CostUSD is nil whenever any
// contributing row had token usage but no matching price; a partial sum
// would silently understate spend.
type Totals struct {
	PromptTokens       uint64
	CachedPromptTokens uint64
	CompletionTokens   uint64
	TotalTokens        uint64
	ReasoningTokens    uint64
	CostUSD            *float64
}

// PricedEvent is one event_costs row.
type PricedEvent struct {
	ID             int64
	Timestamp      string
	Model          string
	Title          string
	Summary        string
	ConversationID string

	PromptTokens       uint64
	CachedPromptTokens uint64
	CompletionTokens   uint64
	TotalTokens        uint64
	ReasoningTokens    uint64
	UsageIncluded      bool

	CostUSD      *float64
	MissingPrice bool
}

// PricedDailyStat is one daily_stats_costs row.
type PricedDailyStat struct {
	Date  string
	Model string

	PromptTokens       uint64
	CachedPromptTokens uint64
	CompletionTokens   uint64
	TotalTokens        uint64
	ReasoningTokens    uint64

	CostUSD      *float64
	MissingPrice bool
}

// ConversationSummary ranks one conversation inside a window while also
// reporting its lifetime shape.
type ConversationSummary struct {
	ConversationID string

	WindowCostUSD      *float64
	WindowPromptTokens uint64

	Lifetime    Totals
	Events      uint64
	FirstSeen   string
	LastSeen    string
	FirstTitle  string
	LastSummary string
}

// HourlyBucket is one hour-of-day slice of a single day's usage.
type HourlyBucket struct {
	Hour   int
	Totals Totals
}

// ModelEventCount counts unpriceable events per model.
type ModelEventCount struct {
	Model  string
	Events uint64
}

// PriceRow is a prices table row.
type PriceRow struct {
	ID int64
	pricing.Price
}

// RecordEvent appends one usage event to the event log. Empty title,
// summary, and conversation id are stored as NULL so the priced views and
// the unlabeled bucket see one canonical absent value.
func (s *Store) RecordEvent(ctx context.Context, ev usage.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (
			timestamp, model, title, summary, conversation_id,
			prompt_tokens, cached_prompt_tokens, completion_tokens,
			total_tokens, reasoning_tokens, usage_included
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UTC().Format(time.RFC3339),
		ev.Model,
		nullable(ev.Title),
		nullable(ev.Summary),
		nullable(ev.ConversationID),
		int64(ev.PromptTokens),
		int64(ev.CachedPromptTokens),
		int64(ev.CompletionTokens),
		int64(ev.TotalTokens),
		int64(ev.ReasoningTokens),
		boolInt(ev.UsageIncluded),
	)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// RecordDailyStat folds one event's counters into the (date, model)
// rollup row, creating it on first sight.
func (s *Store) RecordDailyStat(ctx context.Context, date string, ev usage.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (
			date, model, prompt_tokens, cached_prompt_tokens,
			completion_tokens, total_tokens, reasoning_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date, model) DO UPDATE SET
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			cached_prompt_tokens = cached_prompt_tokens + excluded.cached_prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			total_tokens = total_tokens + excluded.total_tokens,
			reasoning_tokens = reasoning_tokens + excluded.reasoning_tokens`,
		date,
		ev.Model,
		int64(ev.PromptTokens),
		int64(ev.CachedPromptTokens),
		int64(ev.CompletionTokens),
		int64(ev.TotalTokens),
		int64(ev.ReasoningTokens),
	)
	if err != nil {
		return fmt.Errorf("recording daily stat: %w", err)
	}
	return nil
}

// SeedPricesIfEmpty inserts the given price list only when the prices
// table has no rows, so user edits survive restarts.
func (s *Store) SeedPricesIfEmpty(ctx context.Context, prices []pricing.Price) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM prices").Scan(&count); err != nil {
		return fmt.Errorf("counting prices: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, p := range prices {
		if _, err := s.InsertPrice(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// InsertPrice adds one price row and returns its id.
func (s *Store) InsertPrice(ctx context.Context, p pricing.Price) (int64, error) {
	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO prices (model, effective_from, currency, prompt_per_1m, cached_prompt_per_1m, completion_per_1m)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Model, p.EffectiveFrom, currency, p.PromptPer1M, nullFloat(p.CachedPromptPer1M), p.CompletionPer1M,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting price: %w", err)
	}
	return res.LastInsertId()
}

// UpdatePrice replaces the row with the given id.
func (s *Store) UpdatePrice(ctx context.Context, id int64, p pricing.Price) error {
	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE prices
		SET model = ?, effective_from = ?, currency = ?, prompt_per_1m = ?, cached_prompt_per_1m = ?, completion_per_1m = ?
		WHERE id = ?`,
		p.Model, p.EffectiveFrom, currency, p.PromptPer1M, nullFloat(p.CachedPromptPer1M), p.CompletionPer1M, id,
	)
	if err != nil {
		return fmt.Errorf("updating price: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("price %d not found", id)
	}
	return nil
}

// DeletePrice removes the row with the given id.
func (s *Store) DeletePrice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM prices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting price: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("price %d not found", id)
	}
	return nil
}

// ListPrices returns all price rows, grouped by model then newest first.
func (s *Store) ListPrices(ctx context.Context) ([]PriceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, effective_from, currency, prompt_per_1m, cached_prompt_per_1m, completion_per_1m
		FROM prices
		ORDER BY model ASC, effective_from DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing prices: %w", err)
	}
	defer rows.Close()

	var out []PriceRow
	for rows.Next() {
		var (
			row    PriceRow
			cached sql.NullFloat64
		)
		if err := rows.Scan(&row.ID, &row.Model, &row.EffectiveFrom, &row.Currency,
			&row.PromptPer1M, &cached, &row.CompletionPer1M); err != nil {
			return nil, err
		}
		if cached.Valid {
			v := cached.Float64
			row.CachedPromptPer1M = &v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// TotalsBetween sums the daily rollup over an inclusive date range.
func (s *Store) TotalsBetween(ctx context.Context, start, end string) (Totals, error) {
	return s.scanTotals(s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(cached_prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(reasoning_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(missing_price), 0)
		FROM daily_stats_costs
		WHERE date BETWEEN ? AND ?`, start, end))
}

// TotalsSince sums individual events at or after a point in time. Events
// whose usage the upstream never reported carry zero counters and are
// excluded rather than marking the sum unpriceable.
func (s *Store) TotalsSince(ctx context.Context, since time.Time) (Totals, error) {
	return s.scanTotals(s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(cached_prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(reasoning_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(missing_price), 0)
		FROM event_costs
		WHERE usage_included = 1 AND timestamp >= ?`,
		since.UTC().Format(time.RFC3339)))
}

func (s *Store) scanTotals(row *sql.Row) (Totals, error) {
	var (
		t       Totals
		prompt  int64
		cached  int64
		compl   int64
		total   int64
		reason  int64
		cost    float64
		missing int64
	)
	if err := row.Scan(&prompt, &cached, &compl, &total, &reason, &cost, &missing); err != nil {
		return Totals{}, fmt.Errorf("summing usage: %w", err)
	}
	t.PromptTokens = uint64(prompt)
	t.CachedPromptTokens = uint64(cached)
	t.CompletionTokens = uint64(compl)
	t.TotalTokens = uint64(total)
	t.ReasoningTokens = uint64(reason)
	if missing == 0 {
		t.CostUSD = &cost
	}
	return t, nil
}

// TopConversationsBetween ranks conversations by spend inside an
// inclusive date window (ties broken by window prompt tokens), attaching
// lifetime totals, the earliest non-empty title, and the latest non-empty
// summary for each. Events without a conversation id fall into the
// UnlabeledConversation bucket, included only when requested.
func (s *Store) TopConversationsBetween(ctx context.Context, start, end string, limit int, includeUnlabeled bool) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH events AS (
			SELECT COALESCE(conversation_id, ?) AS conv, *
			FROM event_costs
		), win AS (
			SELECT conv,
				SUM(COALESCE(cost_usd, 0.0)) AS cost,
				SUM(missing_price) AS missing,
				SUM(prompt_tokens) AS prompt_tokens
			FROM events
			WHERE date(timestamp) BETWEEN ? AND ?
			GROUP BY conv
		), life AS (
			SELECT conv,
				SUM(prompt_tokens) AS prompt_tokens,
				SUM(cached_prompt_tokens) AS cached_prompt_tokens,
				SUM(completion_tokens) AS completion_tokens,
				SUM(total_tokens) AS total_tokens,
				SUM(reasoning_tokens) AS reasoning_tokens,
				SUM(COALESCE(cost_usd, 0.0)) AS cost,
				SUM(missing_price) AS missing,
				COUNT(*) AS events,
				MIN(timestamp) AS first_seen,
				MAX(timestamp) AS last_seen
			FROM events
			GROUP BY conv
		)
		SELECT w.conv,
			w.cost, w.missing, w.prompt_tokens,
			l.prompt_tokens, l.cached_prompt_tokens, l.completion_tokens,
			l.total_tokens, l.reasoning_tokens, l.cost, l.missing,
			l.events, l.first_seen, l.last_seen,
			COALESCE((
				SELECT e.title FROM events e
				WHERE e.conv = w.conv AND e.title IS NOT NULL AND e.title != ''
				ORDER BY e.timestamp ASC, e.id ASC LIMIT 1
			), ''),
			COALESCE((
				SELECT e.summary FROM events e
				WHERE e.conv = w.conv AND e.summary IS NOT NULL AND e.summary != ''
				ORDER BY e.timestamp DESC, e.id DESC LIMIT 1
			), '')
		FROM win w
		JOIN life l ON l.conv = w.conv
		WHERE ? = 1 OR w.conv != ?
		ORDER BY w.cost DESC, w.prompt_tokens DESC
		LIMIT ?`,
		UnlabeledConversation, start, end,
		boolInt(includeUnlabeled), UnlabeledConversation, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ranking conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			c             ConversationSummary
			winCost       float64
			winMissing    int64
			winPrompt     int64
			lifePrompt    int64
			lifeCached    int64
			lifeCompl     int64
			lifeTotal     int64
			lifeReasoning int64
			lifeCost      float64
			lifeMissing   int64
			events        int64
		)
		if err := rows.Scan(&c.ConversationID,
			&winCost, &winMissing, &winPrompt,
			&lifePrompt, &lifeCached, &lifeCompl, &lifeTotal, &lifeReasoning,
			&lifeCost, &lifeMissing,
			&events, &c.FirstSeen, &c.LastSeen,
			&c.FirstTitle, &c.LastSummary); err != nil {
			return nil, err
		}
		if winMissing == 0 {
			c.WindowCostUSD = &winCost
		}
		c.WindowPromptTokens = uint64(winPrompt)
		c.Lifetime = Totals{
			PromptTokens:       uint64(lifePrompt),
			CachedPromptTokens: uint64(lifeCached),
			CompletionTokens:   uint64(lifeCompl),
			TotalTokens:        uint64(lifeTotal),
			ReasoningTokens:    uint64(lifeReasoning),
		}
		if lifeMissing == 0 {
			c.Lifetime.CostUSD = &lifeCost
		}
		c.Events = uint64(events)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConversationTotalsForRange sums one conversation's events inside an
// inclusive date window. Pass UnlabeledConversation for the no-id bucket.
func (s *Store) ConversationTotalsForRange(ctx context.Context, conversationID, start, end string) (Totals, error) {
	return s.scanTotals(s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(cached_prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(reasoning_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(missing_price), 0)
		FROM event_costs
		WHERE COALESCE(conversation_id, ?) = ?
		  AND date(timestamp) BETWEEN ? AND ?`,
		UnlabeledConversation, conversationID, start, end))
}

// ConversationTurns returns one conversation's most recent priced events,
// newest first.
func (s *Store) ConversationTurns(ctx context.Context, conversationID string, limit int) ([]PricedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, model,
			COALESCE(title, ''), COALESCE(summary, ''), COALESCE(conversation_id, ''),
			prompt_tokens, cached_prompt_tokens, completion_tokens,
			total_tokens, reasoning_tokens, usage_included,
			cost_usd, missing_price
		FROM event_costs
		WHERE COALESCE(conversation_id, ?) = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		UnlabeledConversation, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading conversation turns: %w", err)
	}
	defer rows.Close()
	return scanPricedEvents(rows)
}

// RecentEvents returns the newest priced events across all conversations.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]PricedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, model,
			COALESCE(title, ''), COALESCE(summary, ''), COALESCE(conversation_id, ''),
			prompt_tokens, cached_prompt_tokens, completion_tokens,
			total_tokens, reasoning_tokens, usage_included,
			cost_usd, missing_price
		FROM event_costs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("loading recent events: %w", err)
	}
	defer rows.Close()
	return scanPricedEvents(rows)
}

func scanPricedEvents(rows *sql.Rows) ([]PricedEvent, error) {
	var out []PricedEvent
	for rows.Next() {
		var (
			e        PricedEvent
			prompt   int64
			cached   int64
			compl    int64
			total    int64
			reason   int64
			included int64
			cost     sql.NullFloat64
			missing  int64
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Model,
			&e.Title, &e.Summary, &e.ConversationID,
			&prompt, &cached, &compl, &total, &reason, &included,
			&cost, &missing); err != nil {
			return nil, err
		}
		e.PromptTokens = uint64(prompt)
		e.CachedPromptTokens = uint64(cached)
		e.CompletionTokens = uint64(compl)
		e.TotalTokens = uint64(total)
		e.ReasoningTokens = uint64(reason)
		e.UsageIncluded = included != 0
		if cost.Valid {
			v := cost.Float64
			e.CostUSD = &v
		}
		e.MissingPrice = missing != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentDailyStats returns the newest rollup rows, newest date first,
// models alphabetical within a date.
func (s *Store) RecentDailyStats(ctx context.Context, limit int) ([]PricedDailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, model,
			prompt_tokens, cached_prompt_tokens, completion_tokens,
			total_tokens, reasoning_tokens,
			cost_usd, missing_price
		FROM daily_stats_costs
		ORDER BY date DESC, model ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("loading daily stats: %w", err)
	}
	defer rows.Close()

	var out []PricedDailyStat
	for rows.Next() {
		var (
			d       PricedDailyStat
			prompt  int64
			cached  int64
			compl   int64
			total   int64
			reason  int64
			cost    sql.NullFloat64
			missing int64
		)
		if err := rows.Scan(&d.Date, &d.Model,
			&prompt, &cached, &compl, &total, &reason,
			&cost, &missing); err != nil {
			return nil, err
		}
		d.PromptTokens = uint64(prompt)
		d.CachedPromptTokens = uint64(cached)
		d.CompletionTokens = uint64(compl)
		d.TotalTokens = uint64(total)
		d.ReasoningTokens = uint64(reason)
		if cost.Valid {
			v := cost.Float64
			d.CostUSD = &v
		}
		d.MissingPrice = missing != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// HourlyUsageForDay buckets one day's usage by hour of day (UTC).
func (s *Store) HourlyUsageForDay(ctx context.Context, date string) ([]HourlyBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CAST(strftime('%H', timestamp) AS INTEGER) AS hour,
			SUM(prompt_tokens), SUM(cached_prompt_tokens), SUM(completion_tokens),
			SUM(total_tokens), SUM(reasoning_tokens),
			SUM(COALESCE(cost_usd, 0.0)), SUM(missing_price)
		FROM event_costs
		WHERE usage_included = 1 AND date(timestamp) = ?
		GROUP BY hour
		ORDER BY hour ASC`, date)
	if err != nil {
		return nil, fmt.Errorf("loading hourly usage: %w", err)
	}
	defer rows.Close()

	var out []HourlyBucket
	for rows.Next() {
		var (
			b       HourlyBucket
			prompt  int64
			cached  int64
			compl   int64
			total   int64
			reason  int64
			cost    float64
			missing int64
		)
		if err := rows.Scan(&b.Hour, &prompt, &cached, &compl, &total, &reason, &cost, &missing); err != nil {
			return nil, err
		}
		b.Totals.PromptTokens = uint64(prompt)
		b.Totals.CachedPromptTokens = uint64(cached)
		b.Totals.CompletionTokens = uint64(compl)
		b.Totals.TotalTokens = uint64(total)
		b.Totals.ReasoningTokens = uint64(reason)
		if missing == 0 {
			b.Totals.CostUSD = &cost
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MissingPriceModels lists the models whose events could not be priced,
// most affected first, so the dashboard can point at price table gaps.
func (s *Store) MissingPriceModels(ctx context.Context, limit int) ([]ModelEventCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*) AS events
		FROM event_costs
		WHERE missing_price = 1
		GROUP BY model
		ORDER BY events DESC, model ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unpriced models: %w", err)
	}
	defer rows.Close()

	var out []ModelEventCount
	for rows.Next() {
		var (
			m      ModelEventCount
			events int64
		)
		if err := rows.Scan(&m.Model, &events); err != nil {
			return nil, err
		}
		m.Events = uint64(events)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
