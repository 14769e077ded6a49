package rates

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSolPriceUSDPrimarySource(t *testing.T) {
	binance := jsonServer(t, http.StatusOK, `{"symbol":"SOLUSDT","price":"150.25000000"}`)
	coinGecko := jsonServer(t, http.StatusInternalServerError, `unreachable`)

	oracle := NewOracle(quietLogger(), WithSourceURLs(binance.URL, coinGecko.URL), WithoutCache())

	got := oracle.SolPriceUSD(context.Background())
	if !got.Equal(decimal.RequireFromString("150.25")) {
		t.Errorf("rate = %s, want 150.25", got)
	}
}

func TestSolPriceUSDFallsBackToSecondary(t *testing.T) {
	binance := jsonServer(t, http.StatusBadGateway, `{"msg":"down"}`)
	coinGecko := jsonServer(t, http.StatusOK, `{"solana":{"usd":148.53}}`)

	oracle := NewOracle(quietLogger(), WithSourceURLs(binance.URL, coinGecko.URL), WithoutCache())

	got := oracle.SolPriceUSD(context.Background())
	if !got.Equal(decimal.RequireFromString("148.53")) {
		t.Errorf("rate = %s, want 148.53", got)
	}
}

func TestSolPriceUSDSkipsMalformedPrimary(t *testing.T) {
	binance := jsonServer(t, http.StatusOK, `{"price":"-3"}`)
	coinGecko := jsonServer(t, http.StatusOK, `{"solana":{"usd":151}}`)

	oracle := NewOracle(quietLogger(), WithSourceURLs(binance.URL, coinGecko.URL), WithoutCache())

	got := oracle.SolPriceUSD(context.Background())
	if !got.Equal(decimal.NewFromInt(151)) {
		t.Errorf("rate = %s, want 151", got)
	}
}

func TestSolPriceUSDUsesFallbackWhenAllSourcesDown(t *testing.T) {
	binance := jsonServer(t, http.StatusServiceUnavailable, ``)
	coinGecko := jsonServer(t, http.StatusOK, `not json`)

	oracle := NewOracle(quietLogger(), WithSourceURLs(binance.URL, coinGecko.URL), WithoutCache())

	got := oracle.SolPriceUSD(context.Background())
	if !got.Equal(FallbackSolPriceUSD) {
		t.Errorf("rate = %s, want fallback %s", got, FallbackSolPriceUSD)
	}
}

func TestUSDToVNDRatePrimarySource(t *testing.T) {
	coinGecko := jsonServer(t, http.StatusOK, `{"usd":{"vnd":25450.12}}`)
	exchangeRateAPI := jsonServer(t, http.StatusInternalServerError, `unreachable`)

	oracle := NewOracle(quietLogger(), WithVNDSourceURLs(coinGecko.URL, exchangeRateAPI.URL), WithoutCache())

	got := oracle.USDToVNDRate(context.Background())
	if !got.Equal(decimal.RequireFromString("25450.12")) {
		t.Errorf("rate = %s, want 25450.12", got)
	}
}

func TestUSDToVNDRateFallsBackToSecondary(t *testing.T) {
	coinGecko := jsonServer(t, http.StatusTooManyRequests, `{"status":"rate limited"}`)
	exchangeRateAPI := jsonServer(t, http.StatusOK, `{"base":"USD","rates":{"VND":24980}}`)

	oracle := NewOracle(quietLogger(), WithVNDSourceURLs(coinGecko.URL, exchangeRateAPI.URL), WithoutCache())

	got := oracle.USDToVNDRate(context.Background())
	if !got.Equal(decimal.NewFromInt(24980)) {
		t.Errorf("rate = %s, want 24980", got)
	}
}

func TestUSDToVNDRateUsesFallbackWhenAllSourcesDown(t *testing.T) {
	coinGecko := jsonServer(t, http.StatusOK, `{"usd":{"vnd":0}}`)
	exchangeRateAPI := jsonServer(t, http.StatusOK, `not json`)

	oracle := NewOracle(quietLogger(), WithVNDSourceURLs(coinGecko.URL, exchangeRateAPI.URL), WithoutCache())

	got := oracle.USDToVNDRate(context.Background())
	if !got.Equal(FallbackUSDToVNDRate) {
		t.Errorf("rate = %s, want fallback %s", got, FallbackUSDToVNDRate)
	}
}

func TestConvertUSDToVND(t *testing.T) {
	cases := []struct {
		name string
		usd  string
		rate string
		want string
	}{
		{"ten dollars at fallback", "10", "25000", "250000"},
		{"rounds to whole dong", "0.5", "25450.12", "12725"},
		{"rounds half up", "1", "25000.5", "25001"},
		{"non-positive rate uses fallback", "2", "0", "50000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ConvertUSDToVND(decimal.RequireFromString(tc.usd), decimal.RequireFromString(tc.rate))
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Errorf("ConvertUSDToVND(%s, %s) = %s, want %s", tc.usd, tc.rate, got, tc.want)
			}
		})
	}
}

func TestConvertUSDToSOL(t *testing.T) {
	cases := []struct {
		name string
		usd  string
		rate string
		want string
	}{
		{"ten dollars at 150", "10", "150", "0.066666667"},
		{"exact division", "300", "150", "2"},
		{"small amount", "0.01", "150", "0.000066667"},
		{"non-positive rate uses fallback", "150", "0", "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ConvertUSDToSOL(decimal.RequireFromString(tc.usd), decimal.RequireFromString(tc.rate))
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Errorf("ConvertUSDToSOL(%s, %s) = %s, want %s", tc.usd, tc.rate, got, tc.want)
			}
		})
	}
}

func TestParsePositiveRate(t *testing.T) {
	if _, err := parsePositiveRate("abc"); err == nil {
		t.Error("malformed rate accepted")
	}
	if _, err := parsePositiveRate("0"); err == nil {
		t.Error("zero rate accepted")
	}
	got, err := parsePositiveRate(" 149.9 ")
	if err != nil {
		t.Fatalf("parsePositiveRate: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("149.9")) {
		t.Errorf("rate = %s, want 149.9", got)
	}
}
