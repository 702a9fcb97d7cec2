package replay

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-gate/internal/feed"
	"trust-gate/internal/market"
)

const (
	tradesCSV = `exchange,symbol,timestamp,local_timestamp,id,side,price,amount
binance-futures,BTCUSDT,1000,1500,t1,buy,100.0,1
binance-futures,BTCUSDT,3000,3500,t2,sell,100.1,2
`
	bookCSV = `exchange,symbol,timestamp,local_timestamp,is_snapshot,side,price,amount
binance-futures,BTCUSDT,900,1000,true,bid,99.9,1
binance-futures,BTCUSDT,900,1000,true,ask,100.1,1
binance-futures,BTCUSDT,900,1000,true,bid,100.0,1
binance-futures,BTCUSDT,2000,2500,false,ask,100.05,3
`
	liquidationsCSV = `exchange,symbol,timestamp,local_timestamp,id,side,price,amount
binance-futures,BTCUSDT,2100,2600,l1,sell,99.8,5
`
	tickerCSV = `exchange,symbol,timestamp,local_timestamp,funding_timestamp,funding_rate,predicted_funding_rate,open_interest,last_price,index_price,mark_price
binance-futures,BTCUSDT,1200,1200,,,,,100.0,100.02,
`
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func writeGzip(t *testing.T, dir, name, body string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func dataset(t *testing.T) string {
	dir := t.TempDir()
	writeGzip(t, dir, "trades.csv.gz", tradesCSV)
	writeFile(t, dir, "orderbook.csv", bookCSV)
	writeFile(t, dir, "liquidations.csv", liquidationsCSV)
	writeFile(t, dir, "ticker.csv", tickerCSV)
	return dir
}

func collect(t *testing.T, src *Source) []market.Event {
	t.Helper()
	var out []market.Event
	require.NoError(t, src.Run(context.Background(), func(ev market.Event) { out = append(out, ev) }))
	return out
}

func TestReplayMergesByIngestTime(t *testing.T) {
	src, err := New(Config{Dir: dataset(t)}, zerolog.Nop())
	require.NoError(t, err)
	evs := collect(t, src)
	require.Len(t, evs, 6)

	var streams []market.Stream
	for i, ev := range evs {
		streams = append(streams, ev.Stream)
		if i > 0 {
			assert.False(t, ev.IngestTS.Before(evs[i-1].IngestTS))
		}
	}
	assert.Equal(t, []market.Stream{
		market.StreamOrderbook, market.StreamTicker, market.StreamTrades,
		market.StreamOrderbook, market.StreamLiquidations, market.StreamTrades,
	}, streams)

	trade := evs[2]
	assert.Equal(t, "t1", trade.ID)
	assert.Equal(t, time.UnixMicro(1000).UTC(), trade.ExchangeTS)
	p := trade.Payload.(market.Trade)
	assert.Equal(t, "100", p.Price.Decimal.String())
	assert.Equal(t, market.SideBuy, p.Side)

	tk := evs[1].Payload.(market.Ticker)
	assert.False(t, tk.Mark.Valid, "blank mark is left for the sanitizer to repair")
	assert.Equal(t, "100.02", tk.Index.Decimal.String())
}

func TestReplayFoldsBookRowsIntoTopOfBook(t *testing.T) {
	src, err := New(Config{Dir: dataset(t), Streams: []string{"orderbook"}}, zerolog.Nop())
	require.NoError(t, err)
	evs := collect(t, src)
	require.Len(t, evs, 2)

	snap := evs[0].Payload.(market.BookTop)
	assert.Equal(t, "100", snap.BestBid.Decimal.String())
	assert.Equal(t, "100.1", snap.BestAsk.Decimal.String())

	delta := evs[1].Payload.(market.BookTop)
	assert.Equal(t, "100.05", delta.BestAsk.Decimal.String())
	assert.Equal(t, time.UnixMicro(2000).UTC(), evs[1].ExchangeTS)
}

func TestReplayRejectsUnknownStream(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir(), Streams: []string{"funding"}}, zerolog.Nop())
	assert.ErrorIs(t, err, feed.ErrUnsupportedStream)
}

func TestReplayRequiresFiles(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir(), Streams: []string{"trades"}}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trades.csv")
}

func TestReplayPacesBySpeedWithCap(t *testing.T) {
	src, err := New(Config{Dir: dataset(t), Speed: 2, MaxSleep: 400 * time.Microsecond}, zerolog.Nop())
	require.NoError(t, err)
	var waits []time.Duration
	src.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	collect(t, src)
	// ingest gaps 200,300,1000,100,900us halved, then capped at 400us
	assert.Equal(t, []time.Duration{
		100 * time.Microsecond, 150 * time.Microsecond, 400 * time.Microsecond,
		50 * time.Microsecond, 400 * time.Microsecond,
	}, waits)
}

func TestReplayStopsOnCancel(t *testing.T) {
	src, err := New(Config{Dir: dataset(t)}, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	err = src.Run(ctx, func(market.Event) {
		n++
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}
