package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"priceoracle/internal/services/aggregator/domain"
)

func TestRegistry_AddPair_IsIdempotent(t *testing.T) {
	r := New()
	pair := domain.Pair{Base: "BTC", Quote: "USD"}

	r.AddPair(domain.SourceBinance, pair)
	r.AddPair(domain.SourceBinance, pair)

	regs := r.Snapshot(domain.SourceBinance)
	require.Len(t, regs, 1)
}

func TestRegistry_RemovePair(t *testing.T) {
	r := New()
	pair := domain.Pair{Base: "BTC", Quote: "USD"}
	r.AddPair(domain.SourceBinance, pair)

	r.RemovePair(domain.SourceBinance, pair)

	require.Empty(t, r.Snapshot(domain.SourceBinance))
}

func TestRegistry_TrackRequestAndFetch_StampTimestamps(t *testing.T) {
	r := New()
	pair := domain.Pair{Base: "BTC", Quote: "USD"}
	r.AddPair(domain.SourceKraken, pair)

	before := time.Now()
	r.TrackRequest(domain.SourceKraken, pair)
	r.TrackSuccessfulFetch(domain.SourceKraken, pair)

	regs := r.Snapshot(domain.SourceKraken)
	require.Len(t, regs, 1)
	require.False(t, regs[0].LastRequestAt.Before(before))
	require.False(t, regs[0].LastFetchAt.Before(before))
	require.Equal(t, regs[0].LastFetchAt, regs[0].LastResponseAt)
}

func TestRegistry_SnapshotAll_SpansSources(t *testing.T) {
	r := New()
	r.AddPair(domain.SourceBinance, domain.Pair{Base: "BTC", Quote: "USD"})
	r.AddPair(domain.SourceKraken, domain.Pair{Base: "ETH", Quote: "USD"})

	require.Len(t, r.SnapshotAll(), 2)
}

func TestRegistry_Subscribe_ReceivesAddAndRemoveEvents(t *testing.T) {
	r := New()
	events := r.Subscribe()
	pair := domain.Pair{Base: "BTC", Quote: "USD"}

	r.AddPair(domain.SourceOKX, pair)
	r.RemovePair(domain.SourceOKX, pair)

	added := <-events
	require.True(t, added.Added)
	require.Equal(t, pair, added.Pair)

	removed := <-events
	require.False(t, removed.Added)
	require.Equal(t, pair, removed.Pair)
}
