package alpaca

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ematrader/internal/trader/dispatch"
	"ematrader/internal/trader/model"

	"github.com/bytedance/sonic"
)

const (
	// PaperTradingURL is the default; live trading is opted into through config.
	PaperTradingURL = "https://paper-api.alpaca.markets"

	orderTypeMarket    = "market"
	defaultTimeInForce = "gtc"
)

var ErrAssetNotFound = errors.New("asset not found")

// RESTClient talks to the Alpaca trading API.
type RESTClient struct {
	baseURL    string
	key        string
	secret     string
	httpClient *http.Client
}

func NewRESTClient(baseURL, key, secret string, timeout time.Duration) *RESTClient {
	if baseURL == "" {
		baseURL = PaperTradingURL
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PlaceOrder submits a market order. Failures are *dispatch.BrokerError:
// 401 is an auth error, 400/403/404/422 are rejections, anything else
// (including network errors) is transient.
func (c *RESTClient) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	tif := req.TimeInForce
	if tif == "" {
		tif = defaultTimeInForce
	}
	body := orderBody{
		Symbol:        req.Symbol,
		Qty:           req.Quantity.String(),
		Side:          string(req.Side),
		Type:          orderTypeMarket,
		TimeInForce:   tif,
		ClientOrderID: req.DedupeKey,
	}

	payload, err := sonic.ConfigDefault.Marshal(body)
	if err != nil {
		return model.OrderResult{}, &dispatch.BrokerError{Kind: dispatch.KindRejected, Message: "encode order", Err: err}
	}

	respBody, status, err := c.do(ctx, http.MethodPost, "/v2/orders", payload)
	if err != nil {
		return model.OrderResult{}, &dispatch.BrokerError{Kind: dispatch.KindTransient, Err: err}
	}
	if status != http.StatusOK {
		return model.OrderResult{}, brokerError(status, respBody)
	}

	var order Order
	if err := sonic.ConfigDefault.Unmarshal(respBody, &order); err != nil {
		// the order was accepted; only the acknowledgement is unreadable
		return model.OrderResult{ClientOrderID: req.DedupeKey, Status: "unknown"}, nil
	}

	return model.OrderResult{
		BrokerOrderID: order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        order.Status,
	}, nil
}

// OrderByClientID looks up an order by the client order id it was placed
// with. found is false when the broker has no such order.
func (c *RESTClient) OrderByClientID(ctx context.Context, clientOrderID string) (model.OrderResult, bool, error) {
	q := url.Values{"client_order_id": {clientOrderID}}
	respBody, status, err := c.do(ctx, http.MethodGet, "/v2/orders:by_client_order_id?"+q.Encode(), nil)
	if err != nil {
		return model.OrderResult{}, false, fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	if status == http.StatusNotFound {
		return model.OrderResult{}, false, nil
	}
	if status != http.StatusOK {
		return model.OrderResult{}, false, fmt.Errorf("get order %s: %w", clientOrderID, brokerError(status, respBody))
	}

	var order Order
	if err := sonic.ConfigDefault.Unmarshal(respBody, &order); err != nil {
		return model.OrderResult{}, false, fmt.Errorf("decode order %s: %w", clientOrderID, err)
	}
	return model.OrderResult{
		BrokerOrderID: order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        order.Status,
	}, true, nil
}

// GetAsset fetches one asset. Unknown symbols return ErrAssetNotFound.
func (c *RESTClient) GetAsset(ctx context.Context, symbol string) (Asset, error) {
	respBody, status, err := c.do(ctx, http.MethodGet, "/v2/assets/"+url.PathEscape(symbol), nil)
	if err != nil {
		return Asset{}, fmt.Errorf("get asset %s: %w", symbol, err)
	}
	if status == http.StatusNotFound {
		return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, symbol)
	}
	if status != http.StatusOK {
		return Asset{}, fmt.Errorf("get asset %s: %w", symbol, brokerError(status, respBody))
	}

	var asset Asset
	if err := sonic.ConfigDefault.Unmarshal(respBody, &asset); err != nil {
		return Asset{}, fmt.Errorf("decode asset %s: %w", symbol, err)
	}
	return asset, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	// Construct the request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.key)
	req.Header.Set("APCA-API-SECRET-KEY", c.secret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func brokerError(status int, body []byte) *dispatch.BrokerError {
	var apiErr APIError
	if err := sonic.ConfigDefault.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	be := &dispatch.BrokerError{
		StatusCode: status,
		Code:       apiErr.Code,
		Message:    apiErr.Message,
	}
	switch status {
	case http.StatusUnauthorized:
		be.Kind = dispatch.KindAuth
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
		be.Kind = dispatch.KindRejected
	default:
		be.Kind = dispatch.KindTransient
	}
	return be
}
