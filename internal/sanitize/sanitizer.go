// Package sanitize classifies raw market events before they reach the aligner.
package sanitize

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trust-gate/internal/market"
	"trust-gate/internal/window"
)

// Verdict is the outcome of sanitizing one event.
type Verdict uint8

const (
	Accept Verdict = iota
	Repair
	Quarantine
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "ACCEPT"
	case Repair:
		return "REPAIR"
	default:
		return "QUARANTINE"
	}
}

// Pass reports whether the event continues into the pipeline.
func (v Verdict) Pass() bool {
	return v != Quarantine
}

// Anomaly flags a suspicious but not necessarily invalid event.
type Anomaly string

const (
	AnomalyNone       Anomaly = ""
	AnomalyDuplicate  Anomaly = "duplicate_id"
	AnomalyOutOfOrder Anomaly = "out_of_order_ts"
)

// Reason codes.
const (
	ReasonMissingPayload   = "missing_payload"
	ReasonStreamMismatch   = "stream_mismatch"
	ReasonExchangeMismatch = "exchange_mismatch"
	ReasonSymbolMismatch   = "symbol_mismatch"
	ReasonMissingTimestamp = "missing_exchange_ts"
	ReasonNonPositivePrice = "non_positive_price"
	ReasonNegativeSize     = "negative_size"
	ReasonDuplicateID      = "duplicate_id"
	ReasonTSRegression     = "ts_regression"

	RepairDefaultExchange = "default_exchange"
	RepairDefaultSymbol   = "default_symbol"
)

// Config tunes the sanitizer.
type Config struct {
	Window          time.Duration `mapstructure:"window"`
	Buckets         int           `mapstructure:"buckets"`
	DedupCapacity   int           `mapstructure:"dedup_capacity"`
	RecordCapacity  int           `mapstructure:"record_capacity"`
	MaxTSRegression time.Duration `mapstructure:"max_ts_regression"`
}

// Result is the classification of one event.
type Result struct {
	Verdict Verdict
	Reasons []string
	Anomaly Anomaly
	Event   market.Event
}

// Record is a retained quarantine entry.
type Record struct {
	ID     string
	Reason string
	At     time.Time
}

// Totals are cumulative verdict counts since construction.
type Totals struct {
	Seen        uint64 `json:"seen"`
	Accepted    uint64 `json:"accepted"`
	Repaired    uint64 `json:"repaired"`
	Quarantined uint64 `json:"quarantined"`
}

// Sanitizer validates the events of one stream. It is not safe for concurrent use;
// each ingestion lane owns one.
type Sanitizer struct {
	stream     market.Stream
	instrument market.Instrument
	cfg        Config

	seen        *window.Counter
	quarantined *window.Counter
	records     *window.Ring[Record]
	ids         *window.IDSet

	lastTS time.Time
	clock  time.Time
	ticker market.Ticker
	totals Totals
}

// New builds a sanitizer for stream.
func New(stream market.Stream, instrument market.Instrument, cfg Config) *Sanitizer {
	return &Sanitizer{
		stream:      stream,
		instrument:  instrument,
		cfg:         cfg,
		seen:        window.NewCounter(cfg.Window, cfg.Buckets),
		quarantined: window.NewCounter(cfg.Window, cfg.Buckets),
		records:     window.NewRing[Record](cfg.RecordCapacity),
		ids:         window.NewIDSet(cfg.DedupCapacity),
	}
}

// Stream returns the stream this sanitizer guards.
func (s *Sanitizer) Stream() market.Stream {
	return s.stream
}

// Sanitize classifies ev. Every input yields a result.
func (s *Sanitizer) Sanitize(ev market.Event) Result {
	res := s.check(ev)
	if res.Verdict.Pass() {
		s.remember(ev)
	}
	s.account(ev, res)
	return res
}

func (s *Sanitizer) check(ev market.Event) Result {
	payloadStream, ok := ev.PayloadStream()
	if !ok {
		return quarantine(ev, ReasonMissingPayload)
	}
	if payloadStream != s.stream || ev.Stream != s.stream {
		return quarantine(ev, ReasonStreamMismatch)
	}

	res := Result{Verdict: Accept, Event: ev}
	switch {
	case ev.Exchange == "":
		res.Event.Exchange = s.instrument.Exchange
		res.repaired(RepairDefaultExchange)
	case s.instrument.Exchange != "" && !strings.EqualFold(ev.Exchange, s.instrument.Exchange):
		return quarantine(ev, ReasonExchangeMismatch)
	}
	switch {
	case ev.Symbol == "":
		res.Event.Symbol = s.instrument.Symbol
		res.repaired(RepairDefaultSymbol)
	case s.instrument.Symbol != "" && !strings.EqualFold(ev.Symbol, s.instrument.Symbol):
		return quarantine(ev, ReasonSymbolMismatch)
	}

	if ev.ExchangeTS.IsZero() {
		return quarantine(ev, ReasonMissingTimestamp)
	}

	if reason := s.checkPayload(&res); reason != "" {
		return quarantine(ev, reason)
	}

	if ev.ID != "" && s.ids.Seen(ev.ID) {
		res = quarantine(ev, ReasonDuplicateID)
		res.Anomaly = AnomalyDuplicate
		return res
	}

	if !s.lastTS.IsZero() && ev.ExchangeTS.Before(s.lastTS) {
		if s.lastTS.Sub(ev.ExchangeTS) > s.cfg.MaxTSRegression {
			return quarantine(ev, ReasonTSRegression)
		}
		res.Anomaly = AnomalyOutOfOrder
	}
	return res
}

// checkPayload validates required fields and value ranges, repairing ticker
// fields from the last known values. It returns a quarantine reason or "".
func (s *Sanitizer) checkPayload(res *Result) string {
	switch p := res.Event.Payload.(type) {
	case market.BookTop:
		if r := requirePrice("best_bid", p.BestBid); r != "" {
			return r
		}
		return requirePrice("best_ask", p.BestAsk)
	case market.Trade:
		if r := requirePrice("price", p.Price); r != "" {
			return r
		}
		return requireSize("size", p.Size)
	case market.Liquidation:
		if r := requirePrice("price", p.Price); r != "" {
			return r
		}
		return requireSize("size", p.Size)
	case market.Ticker:
		return s.repairTicker(res, p)
	default:
		return ReasonMissingPayload
	}
}

// tickerFields pairs each ticker price with its cache slot.
func (s *Sanitizer) tickerFields(p *market.Ticker) [3]tickerField {
	return [3]tickerField{
		{"mark", market.FieldMark, &p.Mark, &s.ticker.Mark},
		{"index", market.FieldIndex, &p.Index, &s.ticker.Index},
		{"last", market.FieldLast, &p.Last, &s.ticker.Last},
	}
}

type tickerField struct {
	name   string
	flag   market.Fields
	value  *decimal.NullDecimal
	cached *decimal.NullDecimal
}

// repairTicker fills missing fields from the last passing ticker. The cache
// itself is only updated once the event has passed every check.
func (s *Sanitizer) repairTicker(res *Result, p market.Ticker) string {
	fields := s.tickerFields(&p)
	for _, f := range fields {
		if f.value.Valid && f.value.Decimal.Sign() <= 0 {
			return ReasonNonPositivePrice
		}
	}
	for _, f := range fields {
		if f.value.Valid {
			continue
		}
		if !f.cached.Valid {
			return "missing_" + f.name
		}
		*f.value = *f.cached
		res.Event.Carried |= f.flag
		res.repaired(f.name + "_from_cache")
	}
	res.Event.Payload = p
	return ""
}

func (s *Sanitizer) remember(ev market.Event) {
	p, ok := ev.Payload.(market.Ticker)
	if !ok {
		return
	}
	for _, f := range s.tickerFields(&p) {
		if f.value.Valid {
			*f.cached = *f.value
		}
	}
}

func (s *Sanitizer) account(ev market.Event, res Result) {
	// Quarantined timestamps are untrusted, so they are booked at the current clock.
	at := ev.ExchangeTS
	if !res.Verdict.Pass() {
		at = s.clock
	}
	if at.IsZero() {
		at = ev.IngestTS
	}
	if at.After(s.clock) {
		s.clock = at
	}

	s.totals.Seen++
	s.seen.Add(at, 1)
	switch res.Verdict {
	case Accept:
		s.totals.Accepted++
	case Repair:
		s.totals.Repaired++
	case Quarantine:
		s.totals.Quarantined++
		s.quarantined.Add(at, 1)
		s.records.Push(Record{ID: ev.ID, Reason: res.Reasons[0], At: at})
	}
	if res.Verdict.Pass() && ev.ExchangeTS.After(s.lastTS) {
		s.lastTS = ev.ExchangeTS
	}
}

// QuarantineRate is the fraction of events quarantined within the window ending at at.
func (s *Sanitizer) QuarantineRate(at time.Time) float64 {
	return window.Rate(s.quarantined, s.seen, at)
}

// Clock is the latest event time the sanitizer has observed.
func (s *Sanitizer) Clock() time.Time {
	return s.clock
}

// Records returns the retained quarantine records, oldest first.
func (s *Sanitizer) Records() []Record {
	return s.records.Values()
}

// Totals returns cumulative verdict counts.
func (s *Sanitizer) Totals() Totals {
	return s.totals
}

func (r *Result) repaired(reason string) {
	r.Verdict = Repair
	r.Reasons = append(r.Reasons, reason)
}

func quarantine(ev market.Event, reason string) Result {
	return Result{Verdict: Quarantine, Reasons: []string{reason}, Event: ev}
}
