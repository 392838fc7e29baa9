package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// BinanceClient talks to the Binance USD-M futures REST API.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewBinanceClient creates a client for one account's credentials.
func NewBinanceClient(creds Credentials, testnet bool, logger zerolog.Logger) *BinanceClient {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}

	// Trim any whitespace from keys - critical for signature generation
	return &BinanceClient{
		apiKey:     strings.TrimSpace(creds.APIKey),
		secretKey:  strings.TrimSpace(creds.SecretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "BinanceClient").Logger(),
	}
}

// GetPositions retrieves all non-flat futures positions.
func (c *BinanceClient) GetPositions() ([]Position, error) {
	resp, err := c.signedGet("/fapi/v2/positionRisk", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var all []Position
	if err := json.Unmarshal(resp, &all); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	positions := make([]Position, 0, len(all))
	for _, p := range all {
		if p.PositionAmt != 0 {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

// GetPositionBySymbol retrieves the position for one symbol.
func (c *BinanceClient) GetPositionBySymbol(symbol string) (*Position, error) {
	resp, err := c.signedGet("/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}

	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}

	// One-way mode returns a single row; hedge mode returns LONG and SHORT.
	// Prefer the row with an actual position.
	for i := range positions {
		if positions[i].PositionAmt != 0 {
			return &positions[i], nil
		}
	}

	return &Position{Symbol: symbol}, nil
}

// GetCurrentPrice retrieves the last traded price for a symbol.
func (c *BinanceClient) GetCurrentPrice(symbol string) (float64, error) {
	resp, err := c.publicGet("/fapi/v1/ticker/price", map[string]string{"symbol": symbol})
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(resp, &ticker); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", ticker.Price, err)
	}
	return price, nil
}

// PlaceMarketOrder submits a market order and returns the fill.
func (c *BinanceClient) PlaceMarketOrder(params OrderParams) (*OrderResult, error) {
	reqParams := map[string]string{
		"symbol":           params.Symbol,
		"side":             string(params.Side),
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(params.Quantity, 'f', -1, 64),
		"newOrderRespType": "RESULT",
	}
	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}

	resp, err := c.signedPost("/fapi/v1/order", reqParams)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var result OrderResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	return &result, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *BinanceClient) SetLeverage(symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}

	if _, err := c.signedPost("/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	return nil
}

// ==================== HTTP PLUMBING ====================

func (c *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BinanceClient) buildQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	return values.Encode()
}

func (c *BinanceClient) signParams(params map[string]string) string {
	query := c.buildQueryString(params)
	return query + "&signature=" + c.sign(query)
}

func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay << attempt
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (c *BinanceClient) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}

		reqURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)
		if len(values) > 0 {
			reqURL = fmt.Sprintf("%s?%s", reqURL, values.Encode())
		}

		resp, err := c.httpClient.Get(reqURL)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				c.logger.Warn().Str("endpoint", endpoint).Int("attempt", attempt+1).
					Err(err).Dur("retry_in", delay).Msg("public GET failed")
				time.Sleep(delay)
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = parseAPIError(resp.StatusCode, body)
			if attempt < maxRetries && resp.StatusCode >= 500 {
				time.Sleep(calculateRetryDelay(attempt))
				continue
			}
			return nil, lastErr
		}

		return body, nil
	}

	return nil, lastErr
}

func (c *BinanceClient) signedRequest(method, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Refresh timestamp for each attempt and set recvWindow for clock skew tolerance
		if params == nil {
			params = make(map[string]string)
		}
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = "10000"
		query := c.signParams(params)

		req, err := http.NewRequest(method, fmt.Sprintf("%s%s", c.baseURL, endpoint), nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = query
		req.Header.Set("X-MBX-APIKEY", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				c.logger.Warn().Str("method", method).Str("endpoint", endpoint).
					Int("attempt", attempt+1).Err(err).Dur("retry_in", delay).
					Msg("signed request failed")
				time.Sleep(delay)
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = parseAPIError(resp.StatusCode, body)
			// Orders must not be retried blindly, the first attempt may
			// have been accepted.
			if method == http.MethodGet && attempt < maxRetries && resp.StatusCode >= 500 {
				time.Sleep(calculateRetryDelay(attempt))
				continue
			}
			return nil, lastErr
		}

		return body, nil
	}

	return nil, lastErr
}

func (c *BinanceClient) signedGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodGet, endpoint, params)
}

func (c *BinanceClient) signedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodPost, endpoint, params)
}

func parseAPIError(status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return fmt.Errorf("binance API error %d (HTTP %d): %s", apiErr.Code, status, apiErr.Msg)
	}
	return fmt.Errorf("binance API HTTP %d: %s", status, string(body))
}

var _ Exchange = (*BinanceClient)(nil)
