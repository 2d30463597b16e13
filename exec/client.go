// Package exec is the generic broker REST client §6 calls the "External
// broker API" surface: authenticate, place/modify/cancel orders, list
// orders, and fetch instrument/fund metadata. It wraps a resty client
// with bearer-token auth and no transport-level retry (each call is made
// once; the Dispatcher owns retry), the same shape the teacher used for
// its Polymarket CLOB client, with the EIP-712 signing dropped — this
// domain has no on-chain referent, only a conventional brokerage API.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/errkind"
	"github.com/web3guy0/polybot/types"
)

// Credentials authenticate one side (leader or follower) of the mirror.
type Credentials struct {
	ClientID  string
	APIKey    string
	APISecret string
}

// Client is a thin REST wrapper around one broker account.
type Client struct {
	http   *resty.Client
	role   types.AccountRole
	creds  Credentials
	token  string
	dryRun bool
}

// NewClient builds a client bound to baseURL and role. Grounded on the
// teacher's exchange client wrapping resty with a base URL, timeout and
// retry policy, adapted here to a generic brokerage REST surface instead
// of the Polymarket CLOB.
func NewClient(baseURL string, role types.AccountRole, creds Credentials, dryRun bool) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(0). // retries are the Dispatcher's responsibility, not the transport's
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient, role: role, creds: creds, dryRun: dryRun}
}

// Authenticate exchanges the configured credentials for a bearer token,
// per §6's Authenticate operation.
func (c *Client) Authenticate(ctx context.Context) error {
	var result struct {
		Token string `json:"access_token"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"client_id": c.creds.ClientID,
			"api_key":   c.creds.APIKey,
			"secret":    c.creds.APISecret,
		}).
		SetResult(&result).
		Post("/auth/token")
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Sprintf("authenticate %s", c.role), err)
	}
	if resp.StatusCode() != http.StatusOK {
		return classifyStatus(fmt.Sprintf("authenticate %s", c.role), resp)
	}
	c.token = result.Token
	log.Info().Str("role", string(c.role)).Msg("broker authentication succeeded")
	return nil
}

func (c *Client) authed(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetAuthToken(c.token)
}

// PlaceOrder submits a new order and returns the broker-assigned order id.
func (c *Client) PlaceOrder(ctx context.Context, o types.Order) (string, error) {
	if c.dryRun {
		return "dryrun-" + o.ID, nil
	}

	var result struct {
		OrderID string `json:"order_id"`
	}
	resp, err := c.authed(ctx).
		SetBody(orderPayload(o)).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return "", errkind.Wrap(errkind.Transient, "place order", err)
	}
	if resp.StatusCode() >= 400 {
		return "", classifyStatus("place order", resp)
	}
	return result.OrderID, nil
}

// PlaceSlicedOrder submits a quantity above the instrument's freeze
// limit; the broker decomposes it server-side and returns the child
// order ids it created under one slice group.
func (c *Client) PlaceSlicedOrder(ctx context.Context, o types.Order) ([]string, error) {
	if c.dryRun {
		return []string{"dryrun-" + o.ID + "-1", "dryrun-" + o.ID + "-2"}, nil
	}

	var result struct {
		OrderIDs []string `json:"order_ids"`
	}
	resp, err := c.authed(ctx).
		SetBody(orderPayload(o)).
		SetResult(&result).
		Post("/orders/sliced")
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "place sliced order", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, classifyStatus("place sliced order", resp)
	}
	return result.OrderIDs, nil
}

// ModifyOrder changes price/quantity/trigger on a resting order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, price, qty, trigger decimal.Decimal) error {
	if c.dryRun {
		return nil
	}

	resp, err := c.authed(ctx).
		SetBody(map[string]string{
			"price":         price.String(),
			"quantity":      qty.String(),
			"trigger_price": trigger.String(),
		}).
		Put("/orders/" + orderID)
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Sprintf("modify order %s", orderID), err)
	}
	if resp.StatusCode() >= 400 {
		return classifyStatus("modify order", resp)
	}
	return nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		return nil
	}

	resp, err := c.authed(ctx).Delete("/orders/" + orderID)
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Sprintf("cancel order %s", orderID), err)
	}
	if resp.StatusCode() >= 400 {
		return classifyStatus("cancel order", resp)
	}
	return nil
}

// GetOrder fetches the current broker-side state of a single order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	var result orderDTO
	resp, err := c.authed(ctx).SetResult(&result).Get("/orders/" + orderID)
	if err != nil {
		return types.Order{}, errkind.Wrap(errkind.Transient, fmt.Sprintf("get order %s", orderID), err)
	}
	if resp.StatusCode() >= 400 {
		return types.Order{}, classifyStatus("get order", resp)
	}
	return result.toOrder(), nil
}

// ListOrders returns all orders currently known to the broker for this
// account, used by the Stream Coordinator's gap-recovery reconciliation.
func (c *Client) ListOrders(ctx context.Context) ([]types.Order, error) {
	var result []orderDTO
	resp, err := c.authed(ctx).SetResult(&result).Get("/orders")
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "list orders", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, classifyStatus("list orders", resp)
	}
	orders := make([]types.Order, 0, len(result))
	for _, dto := range result {
		orders = append(orders, dto.toOrder())
	}
	return orders, nil
}

// GetInstrument fetches lot size, tick size and segment metadata.
func (c *Client) GetInstrument(ctx context.Context, securityID string) (types.Instrument, error) {
	var result instrumentDTO
	resp, err := c.authed(ctx).SetResult(&result).Get("/instruments/" + securityID)
	if err != nil {
		return types.Instrument{}, errkind.Wrap(errkind.Transient, fmt.Sprintf("get instrument %s", securityID), err)
	}
	if resp.StatusCode() >= 400 {
		return types.Instrument{}, classifyStatus("get instrument", resp)
	}
	return result.toInstrument(), nil
}

// GetFunds fetches the account's current available/utilized/collateral.
func (c *Client) GetFunds(ctx context.Context) (types.FundsSnapshot, error) {
	var result struct {
		Available  decimal.Decimal `json:"available"`
		Utilized   decimal.Decimal `json:"utilized"`
		Collateral decimal.Decimal `json:"collateral"`
	}
	resp, err := c.authed(ctx).SetResult(&result).Get("/funds")
	if err != nil {
		return types.FundsSnapshot{}, errkind.Wrap(errkind.Transient, "get funds", err)
	}
	if resp.StatusCode() >= 400 {
		return types.FundsSnapshot{}, classifyStatus("get funds", resp)
	}
	return types.FundsSnapshot{
		Role:       c.role,
		Available:  result.Available,
		Utilized:   result.Utilized,
		Collateral: result.Collateral,
	}, nil
}

// brokerErrorBody is the broker's wire shape for a rejected request.
// Either field may be absent; classifyStatus falls back to the HTTP
// status code alone when so.
type brokerErrorBody struct {
	Reason string `json:"reason"`
	Code   string `json:"error_code"`
}

func parseErrorBody(resp *resty.Response) brokerErrorBody {
	var b brokerErrorBody
	_ = json.Unmarshal(resp.Body(), &b)
	return b
}

func (b brokerErrorBody) hint() string {
	if b.Reason != "" {
		return strings.ToLower(b.Reason)
	}
	return strings.ToLower(b.Code)
}

func (b brokerErrorBody) describe(status int) string {
	if b.Reason != "" {
		return b.Reason
	}
	return fmt.Sprintf("status %d", status)
}

func retryAfterSeconds(resp *resty.Response) int64 {
	if h := resp.Header().Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseInt(h, 10, 64); err == nil {
			return secs
		}
	}
	return 0
}

// classifyStatus turns a rejected broker response into the §7 typed
// taxonomy so the Dispatcher can decide whether to retry without
// string-matching an error message: 429 is rate-limited (carrying any
// Retry-After hint), 401/403 is an authentication failure, 5xx is
// transient, and the remaining 4xx range is read for a reason/error_code
// hint distinguishing validation and insufficient-funds rejections from
// the non-retryable rest (market-closed, duplicate, rejected).
func classifyStatus(op string, resp *resty.Response) *errkind.Error {
	status := resp.StatusCode()
	body := parseErrorBody(resp)

	switch {
	case status == http.StatusTooManyRequests:
		return &errkind.Error{Kind: errkind.RateLimited, Msg: op + ": " + body.describe(status), RetryAfter: retryAfterSeconds(resp)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errkind.New(errkind.Authentication, op+": "+body.describe(status))
	case status >= 500:
		return errkind.New(errkind.Transient, op+": "+body.describe(status))
	case strings.Contains(body.hint(), "insufficient"):
		return errkind.New(errkind.InsufficientFund, op+": "+body.describe(status))
	case strings.Contains(body.hint(), "valid"):
		return errkind.New(errkind.Validation, op+": "+body.describe(status))
	default:
		// market-closed, duplicate, rejected, or an unclassified 4xx: surface
		// immediately rather than retry, per §7.
		return errkind.New(errkind.NonRetryable, op+": "+body.describe(status))
	}
}
