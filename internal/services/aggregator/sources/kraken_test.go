package sources

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/services/aggregator/domain"
)

func TestKraken_FetchQuote_RewritesBTCToXBT(t *testing.T) {
	var gotPair string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPair = r.URL.Query().Get("pair")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"c":["67890.12","0.001"]}}}`))
	}))
	defer srv.Close()

	cfg := domain.SourceConfig{Enabled: true, BaseURL: srv.URL, TimeoutMs: 2000}
	k, err := NewKraken(cfg, nil)
	require.NoError(t, err)

	q, err := k.FetchQuote(t.Context(), domain.Pair{Base: "BTC", Quote: "USD"})
	require.NoError(t, err)
	require.Equal(t, "XBTUSD", gotPair)
	require.Equal(t, "67890.12", q.Price.String())
}

func TestKraken_ToWirePair_UsesSlashSeparatedFormForWebSocket(t *testing.T) {
	k, err := NewKraken(domain.SourceConfig{Enabled: true}, nil)
	require.NoError(t, err)

	ident, err := k.toWirePair(domain.Pair{Base: "BTC", Quote: "USD"})
	require.NoError(t, err)
	require.Equal(t, "XBT/USD", ident)
}

func TestKraken_ToRESTPair_UsesUnseparatedFormForREST(t *testing.T) {
	k, err := NewKraken(domain.SourceConfig{Enabled: true}, nil)
	require.NoError(t, err)

	require.Equal(t, "XBTUSD", k.toRESTPair(domain.Pair{Base: "BTC", Quote: "USD"}))
}

func TestKraken_FetchQuote_UpstreamError_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":["EQuery:Unknown asset pair"],"result":{}}`))
	}))
	defer srv.Close()

	cfg := domain.SourceConfig{Enabled: true, BaseURL: srv.URL, TimeoutMs: 2000}
	k, err := NewKraken(cfg, nil)
	require.NoError(t, err)

	_, err = k.FetchQuote(t.Context(), domain.Pair{Base: "ZZZ", Quote: "USD"})
	require.Error(t, err)
	require.True(t, perr.IsCode(err, perr.ErrorCodeNotFound))
}

func TestKraken_FetchQuote_404_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := domain.SourceConfig{Enabled: true, BaseURL: srv.URL, TimeoutMs: 2000}
	k, err := NewKraken(cfg, nil)
	require.NoError(t, err)

	_, err = k.FetchQuote(t.Context(), domain.Pair{Base: "BTC", Quote: "USD"})
	require.Error(t, err)
	require.True(t, perr.IsCode(err, perr.ErrorCodeNotFound))
}
