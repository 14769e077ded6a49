// Package rates resolves the conversion rates the donation flow
// needs: SOL/USD to price payment requests and USD/VND to display
// fiat amounts. Sources are tried in order with short timeouts; when
// every source fails the oracle returns a hardcoded fallback so
// request creation never blocks on a price feed.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/fundraiseapp/fundraise_backend/config"
)

const (
	defaultBinanceURL   = "https://api.binance.com/api/v3/ticker/price?symbol=SOLUSDT"
	defaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"

	defaultVNDPrimaryURL   = "https://api.coingecko.com/api/v3/simple/price?ids=usd&vs_currencies=vnd"
	defaultVNDSecondaryURL = "https://api.exchangerate-api.com/v4/latest/USD"

	solRateCacheKey = "rates:solusd"
	vndRateCacheKey = "rates:usdvnd"
	rateCacheTTL    = 60 * time.Second
)

// FallbackSolPriceUSD is used when every price source is down.
var FallbackSolPriceUSD = decimal.NewFromInt(150)

// FallbackUSDToVNDRate is the display-rate fallback when every VND
// source is down.
var FallbackUSDToVNDRate = decimal.NewFromInt(25000)

type Oracle struct {
	http            *http.Client
	binanceURL      string
	coinGeckoURL    string
	vndPrimaryURL   string
	vndSecondaryURL string
	cacheEnabled    bool
	logger          *logrus.Logger
}

type Option func(*Oracle)

// WithSourceURLs overrides the price endpoints (tests point them at
// httptest servers).
func WithSourceURLs(binanceURL, coinGeckoURL string) Option {
	return func(o *Oracle) {
		if binanceURL != "" {
			o.binanceURL = binanceURL
		}
		if coinGeckoURL != "" {
			o.coinGeckoURL = coinGeckoURL
		}
	}
}

// WithVNDSourceURLs overrides the USD/VND display-rate endpoints.
func WithVNDSourceURLs(primaryURL, secondaryURL string) Option {
	return func(o *Oracle) {
		if primaryURL != "" {
			o.vndPrimaryURL = primaryURL
		}
		if secondaryURL != "" {
			o.vndSecondaryURL = secondaryURL
		}
	}
}

func WithoutCache() Option {
	return func(o *Oracle) { o.cacheEnabled = false }
}

func NewOracle(logger *logrus.Logger, opts ...Option) *Oracle {
	o := &Oracle{
		http:            &http.Client{Timeout: 5 * time.Second},
		binanceURL:      defaultBinanceURL,
		coinGeckoURL:    defaultCoinGeckoURL,
		vndPrimaryURL:   defaultVNDPrimaryURL,
		vndSecondaryURL: defaultVNDSecondaryURL,
		cacheEnabled:    true,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SolPriceUSD returns the current SOL/USD rate. It never fails:
// cache -> primary -> secondary -> fallback constant. Callers that
// need a stable rate for accounting must capture the returned value
// immediately and persist it with the donation.
func (o *Oracle) SolPriceUSD(ctx context.Context) decimal.Decimal {
	if rate, ok := o.cachedRate(solRateCacheKey); ok {
		return rate
	}

	if rate, err := o.fetchBinance(ctx); err == nil {
		o.cache(solRateCacheKey, rate)
		return rate
	} else {
		o.logger.WithField("source", "binance").Warnf("price source failed: %v", err)
	}

	if rate, err := o.fetchCoinGecko(ctx); err == nil {
		o.cache(solRateCacheKey, rate)
		return rate
	} else {
		o.logger.WithField("source", "coingecko").Warnf("price source failed: %v", err)
	}

	o.logger.Warnf("all price sources failed; using fallback rate %s USD/SOL", FallbackSolPriceUSD)
	return FallbackSolPriceUSD
}

// USDToVNDRate returns the USD/VND rate used to display fiat amounts
// alongside USD. Same degradation contract as SolPriceUSD: cache ->
// CoinGecko -> ExchangeRate-API -> fallback constant, never an error.
// Display only; it never feeds campaign totals.
func (o *Oracle) USDToVNDRate(ctx context.Context) decimal.Decimal {
	if rate, ok := o.cachedRate(vndRateCacheKey); ok {
		return rate
	}

	if rate, err := o.fetchVNDCoinGecko(ctx); err == nil {
		o.cache(vndRateCacheKey, rate)
		return rate
	} else {
		o.logger.WithField("source", "coingecko").Warnf("vnd rate source failed: %v", err)
	}

	if rate, err := o.fetchVNDExchangeRateAPI(ctx); err == nil {
		o.cache(vndRateCacheKey, rate)
		return rate
	} else {
		o.logger.WithField("source", "exchangerate-api").Warnf("vnd rate source failed: %v", err)
	}

	o.logger.Warnf("all vnd rate sources failed; using fallback rate %s VND/USD", FallbackUSDToVNDRate)
	return FallbackUSDToVNDRate
}

func (o *Oracle) cachedRate(key string) (decimal.Decimal, bool) {
	if !o.cacheEnabled {
		return decimal.Zero, false
	}
	cached, ok, err := config.GetRedisValue(key)
	if err != nil || !ok {
		return decimal.Zero, false
	}
	rate, err := decimal.NewFromString(cached)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}

func (o *Oracle) cache(key string, rate decimal.Decimal) {
	if !o.cacheEnabled {
		return
	}
	if err := config.SetRedisValue(key, rate.String(), rateCacheTTL); err != nil {
		o.logger.Warnf("failed to cache rate: %v", err)
	}
}

func (o *Oracle) fetchBinance(ctx context.Context) (decimal.Decimal, error) {
	body, err := o.get(ctx, o.binanceURL)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, err
	}
	return parsePositiveRate(payload.Price)
}

func (o *Oracle) fetchCoinGecko(ctx context.Context) (decimal.Decimal, error) {
	body, err := o.get(ctx, o.coinGeckoURL)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Solana struct {
			USD json.Number `json:"usd"`
		} `json:"solana"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, err
	}
	return parsePositiveRate(payload.Solana.USD.String())
}

func (o *Oracle) fetchVNDCoinGecko(ctx context.Context) (decimal.Decimal, error) {
	body, err := o.get(ctx, o.vndPrimaryURL)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		USD struct {
			VND json.Number `json:"vnd"`
		} `json:"usd"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, err
	}
	return parsePositiveRate(payload.USD.VND.String())
}

func (o *Oracle) fetchVNDExchangeRateAPI(ctx context.Context) (decimal.Decimal, error) {
	body, err := o.get(ctx, o.vndSecondaryURL)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Rates struct {
			VND json.Number `json:"VND"`
		} `json:"rates"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, err
	}
	return parsePositiveRate(payload.Rates.VND.String())
}

func (o *Oracle) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("price api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func parsePositiveRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed rate %q: %w", raw, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive rate %q", raw)
	}
	return rate, nil
}

// ConvertUSDToSOL prices a USD amount in SOL at the given rate.
func ConvertUSDToSOL(usdAmount, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		rate = FallbackSolPriceUSD
	}
	// 9 decimal places: one lamport is the smallest SOL unit.
	return usdAmount.DivRound(rate, 9)
}

// ConvertUSDToVND converts a USD amount to whole VND for display.
func ConvertUSDToVND(usdAmount, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		rate = FallbackUSDToVNDRate
	}
	return usdAmount.Mul(rate).Round(0)
}
