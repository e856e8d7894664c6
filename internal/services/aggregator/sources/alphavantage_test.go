package sources

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	perr "priceoracle/internal/platform/errors"
	"priceoracle/internal/services/aggregator/domain"
)

func TestAlphaVantage_FetchQuote_MissingAPIKey_Unauthorized(t *testing.T) {
	cfg := domain.SourceConfig{Enabled: true, BaseURL: "http://unused.invalid", TimeoutMs: 2000}
	a, err := NewAlphaVantage(cfg, nil)
	require.NoError(t, err)

	_, err = a.FetchQuote(t.Context(), domain.Pair{Base: "USD", Quote: "EUR"})
	require.Error(t, err)
	require.True(t, perr.IsCode(err, perr.ErrorCodeUnauthorized))
}

func TestAlphaVantage_FetchQuote_Success(t *testing.T) {
	var gotFrom, gotTo, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFrom = r.URL.Query().Get("from_currency")
		gotTo = r.URL.Query().Get("to_currency")
		gotKey = r.URL.Query().Get("apikey")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Realtime Currency Exchange Rate":{"5. Exchange Rate":"0.92150000"}}`))
	}))
	defer srv.Close()

	cfg := domain.SourceConfig{Enabled: true, BaseURL: srv.URL, TimeoutMs: 2000, APIKey: "test-key"}
	a, err := NewAlphaVantage(cfg, nil)
	require.NoError(t, err)

	q, err := a.FetchQuote(t.Context(), domain.Pair{Base: "usd", Quote: "eur"})
	require.NoError(t, err)
	require.Equal(t, "USD", gotFrom)
	require.Equal(t, "EUR", gotTo)
	require.Equal(t, "test-key", gotKey)
	require.Equal(t, "0.92150000", q.Price.String())
}

func TestAlphaVantage_FetchQuote_EmptyRate_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := domain.SourceConfig{Enabled: true, BaseURL: srv.URL, TimeoutMs: 2000, APIKey: "test-key"}
	a, err := NewAlphaVantage(cfg, nil)
	require.NoError(t, err)

	_, err = a.FetchQuote(t.Context(), domain.Pair{Base: "USD", Quote: "EUR"})
	require.Error(t, err)
	require.True(t, perr.IsCode(err, perr.ErrorCodeNotFound))
}
