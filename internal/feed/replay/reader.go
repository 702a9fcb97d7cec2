package replay

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"trust-gate/internal/book"
	"trust-gate/internal/market"
)

// fileNames maps each stream to its file stem under the data directory.
var fileNames = [market.NumStreams]string{
	market.StreamTrades:       "trades",
	market.StreamOrderbook:    "orderbook",
	market.StreamLiquidations: "liquidations",
	market.StreamTicker:       "ticker",
}

// findFile prefers the gzip file when both exist.
func findFile(dir string, stream market.Stream) (string, error) {
	stem := fileNames[stream]
	for _, name := range []string{stem + ".csv.gz", stem + ".csv"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("missing %s.csv(.gz) under %s", stem, dir)
}

type row map[string]string

func (r row) str(key string) string {
	return strings.TrimSpace(r[key])
}

// micros parses a microsecond epoch column; blanks and garbage yield the zero time.
func (r row) micros(key string) time.Time {
	v := r.str(key)
	if v == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return time.Time{}
		}
		n = int64(f)
	}
	return time.UnixMicro(n).UTC()
}

// csvFile iterates the rows of one CSV or CSV.gz file keyed by header.
type csvFile struct {
	f      *os.File
	gz     *gzip.Reader
	r      *csv.Reader
	header []string
}

func openCSV(path string) (*csvFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	c := &csvFile{f: f}
	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		c.gz = gz
		src = gz
	}
	c.r = csv.NewReader(src)
	c.r.ReuseRecord = true
	c.r.FieldsPerRecord = -1

	header, err := c.r.Read()
	if err != nil {
		c.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty file", path)
		}
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	c.header = append([]string(nil), header...)
	return c, nil
}

// next returns io.EOF at the end of the file.
func (c *csvFile) next() (row, error) {
	rec, err := c.r.Read()
	if err != nil {
		return nil, err
	}
	out := make(row, len(c.header))
	for i, name := range c.header {
		if i < len(rec) {
			out[name] = rec[i]
		}
	}
	return out, nil
}

func (c *csvFile) Close() error {
	if c.gz != nil {
		c.gz.Close()
	}
	return c.f.Close()
}

// reader yields the events of one stream file in file order.
type reader interface {
	next() (market.Event, error)
	Close() error
}

func newReader(stream market.Stream, path string, depth int) (reader, error) {
	c, err := openCSV(path)
	if err != nil {
		return nil, err
	}
	if stream == market.StreamOrderbook {
		return &bookReader{file: c, book: book.New(depth)}, nil
	}
	return &rowReader{stream: stream, file: c}, nil
}

type rowReader struct {
	stream market.Stream
	file   *csvFile
}

func (r *rowReader) next() (market.Event, error) {
	rec, err := r.file.next()
	if err != nil {
		return market.Event{}, err
	}
	ev := header(r.stream, rec)
	switch r.stream {
	case market.StreamTrades:
		ev.Payload = market.Trade{
			Price: market.ParsePrice(rec.str("price")),
			Size:  market.ParsePrice(rec.str("amount")),
			Side:  market.ParseSide(rec.str("side")),
		}
	case market.StreamLiquidations:
		ev.Payload = market.Liquidation{
			Price: market.ParsePrice(rec.str("price")),
			Size:  market.ParsePrice(rec.str("amount")),
			Side:  market.ParseSide(rec.str("side")),
		}
	case market.StreamTicker:
		ev.Payload = market.Ticker{
			Mark:  market.ParsePrice(rec.str("mark_price")),
			Index: market.ParsePrice(rec.str("index_price")),
			Last:  market.ParsePrice(rec.str("last_price")),
		}
	}
	return ev, nil
}

func (r *rowReader) Close() error { return r.file.Close() }

// bookReader folds incremental L2 rows into a book and emits one top-of-book
// event per group of rows sharing the same exchange and local timestamps.
type bookReader struct {
	file    *csvFile
	book    *book.Book
	pending row
	done    bool
}

func (r *bookReader) next() (market.Event, error) {
	if r.done {
		return market.Event{}, io.EOF
	}
	first := r.pending
	r.pending = nil
	if first == nil {
		rec, err := r.file.next()
		if err != nil {
			return market.Event{}, err
		}
		first = rec
	}
	r.apply(first)
	ts, ingest := first.str("timestamp"), first.str("local_timestamp")

	for {
		rec, err := r.file.next()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			return market.Event{}, err
		}
		if rec.str("timestamp") != ts || rec.str("local_timestamp") != ingest {
			r.pending = rec
			break
		}
		r.apply(rec)
	}

	ev := header(market.StreamOrderbook, first)
	ev.ID = ""
	ev.Payload = r.book.Top()
	return ev, nil
}

func (r *bookReader) apply(rec row) {
	r.book.Apply(book.Update{
		Snapshot: strings.EqualFold(rec.str("is_snapshot"), "true"),
		Side:     market.ParseSide(rec.str("side")),
		Price:    market.ParsePrice(rec.str("price")),
		Amount:   market.ParsePrice(rec.str("amount")),
		At:       rec.micros("timestamp"),
	})
}

func (r *bookReader) Close() error { return r.file.Close() }

func header(stream market.Stream, rec row) market.Event {
	return market.Event{
		Stream:     stream,
		Exchange:   rec.str("exchange"),
		Symbol:     strings.ToUpper(rec.str("symbol")),
		ID:         rec.str("id"),
		ExchangeTS: rec.micros("timestamp"),
		IngestTS:   rec.micros("local_timestamp"),
	}
}
