package idex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-idex-depthcache/domain"
	"go.uber.org/zap"
)

const DefaultAPIEndpoint = "https://api.idex.market"

var ErrCurrencyNotFound = errors.New("currency not found")

// APIError is returned for non-2xx responses and for bodies carrying an
// "error" field.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("idex api error (status %d): %s", e.StatusCode, e.Message)
}

// RequestError is returned when a response body cannot be decoded.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return "idex request error: " + e.Message
}

// SyncAPI is the REST client of the exchange. Currencies are cached per
// instance and refetched on a lookup miss.
type SyncAPI struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	currencies   map[string]*domain.Currency
	currenciesMu sync.Mutex
}

func NewSyncAPI(endpoint string, client *http.Client) *SyncAPI {
	if endpoint == "" {
		endpoint = DefaultAPIEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &SyncAPI{
		endpoint:   strings.TrimRight(endpoint, "/"),
		client:     client,
		logger:     zap.L().Named("idex-sync-api"),
		currencies: make(map[string]*domain.Currency),
	}
}

// OrderBookSnapshot returns up to limit orders per side.
func (api *SyncAPI) OrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	req := map[string]interface{}{"market": symbol.String()}
	if limit > 0 {
		req["count"] = limit
	}

	var snapshot domain.OrderBookSnapshot
	if err := api.post(ctx, "returnOrderBook", req, &snapshot); err != nil {
		return nil, err
	}
	snapshot.Source = domain.OrderBookSource_Provider

	return &snapshot, nil
}

// Currencies returns every listed currency by symbol.
func (api *SyncAPI) Currencies(ctx context.Context) (map[string]*domain.Currency, error) {
	var currencies map[string]*domain.Currency
	if err := api.post(ctx, "returnCurrencies", nil, &currencies); err != nil {
		return nil, err
	}

	for symbol, c := range currencies {
		c.Symbol = symbol
	}
	return currencies, nil
}

// Currency looks a currency up by symbol or by 0x address.
func (api *SyncAPI) Currency(ctx context.Context, currency string) (*domain.Currency, error) {
	api.currenciesMu.Lock()
	defer api.currenciesMu.Unlock()

	if c := api.lookupCurrency(currency); c != nil {
		return c, nil
	}

	currencies, err := api.Currencies(ctx)
	if err != nil {
		return nil, err
	}
	api.currencies = currencies

	if c := api.lookupCurrency(currency); c != nil {
		return c, nil
	}
	return nil, errors.Wrap(ErrCurrencyNotFound, currency)
}

// ParseFromCurrencyQuantity converts a wire quantity of currency into token units.
func (api *SyncAPI) ParseFromCurrencyQuantity(ctx context.Context, currency, quantity string) (decimal.Decimal, error) {
	c, err := api.Currency(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return c.ParseQuantity(quantity)
}

// ConvertToCurrencyQuantity converts token units into the wire quantity of currency.
func (api *SyncAPI) ConvertToCurrencyQuantity(ctx context.Context, currency string, quantity decimal.Decimal) (string, error) {
	c, err := api.Currency(ctx, currency)
	if err != nil {
		return "", err
	}
	return c.ToWireQuantity(quantity), nil
}

func (api *SyncAPI) lookupCurrency(currency string) *domain.Currency {
	if strings.HasPrefix(currency, "0x") {
		for _, c := range api.currencies {
			if strings.EqualFold(c.Address, currency) {
				return c
			}
		}
		return nil
	}
	return api.currencies[currency]
}

func (api *SyncAPI) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.WithStack(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api.endpoint+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := api.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post %s", path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s response", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	var errBody struct {
		Error *string `json:"error"`
	}
	if json.Unmarshal(data, &errBody) == nil && errBody.Error != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: *errBody.Error}
	}

	if err := json.Unmarshal(data, out); err != nil {
		api.logger.Warn("invalid response", zap.String("path", path), zap.Error(err))
		return &RequestError{Message: "invalid response: " + string(data)}
	}

	return nil
}

func errorMessage(body []byte) string {
	var res struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &res); err == nil && res.Error != "" {
		return res.Error
	}
	if len(body) == 0 {
		return "Unknown Error"
	}
	return string(body)
}
