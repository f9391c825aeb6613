package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/depotsync/internal/cache"
	"github.com/smallbiznis/depotsync/internal/clock"
	"github.com/smallbiznis/depotsync/internal/config"
	credentialdomain "github.com/smallbiznis/depotsync/internal/credential/domain"
	"github.com/smallbiznis/depotsync/internal/erp/domain"
	"github.com/smallbiznis/depotsync/internal/ratelimit"
	"github.com/smallbiznis/depotsync/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Cfg         config.Config
	Gate        *ratelimit.Gate
	Credentials credentialdomain.Service
	Reserved    cache.ReservedStockCache
	Clock       clock.Clock
	Metrics     *telemetry.Metrics
}

type client struct {
	log         *zap.Logger
	cfg         config.ERPConfig
	http        *http.Client
	gate        *ratelimit.Gate
	credentials credentialdomain.Service
	reserved    cache.ReservedStockCache
	clock       clock.Clock
	metrics     *telemetry.Metrics
}

func NewClient(p Params) domain.Client {
	return &client{
		log:         p.Log.Named("erp.client"),
		cfg:         p.Cfg.ERP,
		http:        &http.Client{Timeout: p.Cfg.ERP.RequestTimeout},
		gate:        p.Gate,
		credentials: p.Credentials,
		reserved:    p.Reserved,
		clock:       p.Clock,
		metrics:     p.Metrics,
	}
}

var Module = fx.Module("erp.client", fx.Provide(NewClient))

func (c *client) GetProduct(ctx context.Context, account domain.Account, ref string) (*domain.Product, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}

	var payload struct {
		Data *domain.Product `json:"data"`
	}
	path := "/products/" + url.PathEscape(ref)
	status, err := c.doJSON(ctx, account, http.MethodGet, path, nil, &payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return payload.Data, nil
}

func (c *client) GetDepositBalance(ctx context.Context, account domain.Account, productRef string, productID, depositID int64) (domain.DepositBalance, error) {
	var payload struct {
		Data struct {
			Physical float64 `json:"physical"`
			Virtual  float64 `json:"virtual"`
			Reserved float64 `json:"reserved"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/stocks/balances?productId=%d&depositId=%d", productID, depositID)
	status, err := c.doJSON(ctx, account, http.MethodGet, path, nil, &payload)
	if err != nil {
		return domain.DepositBalance{}, err
	}
	if status == http.StatusNotFound {
		return domain.DepositBalance{}, nil
	}

	balance := domain.DepositBalance{
		Physical: payload.Data.Physical,
		Virtual:  payload.Data.Virtual,
	}
	balance.ReservedEffective = c.effectiveReserved(account, productRef, depositID, balance.Physical, balance.Virtual, payload.Data.Reserved)
	return balance, nil
}

func (c *client) WriteStockMovement(ctx context.Context, account domain.Account, movement domain.Movement) error {
	body := map[string]any{
		"productId": movement.ProductID,
		"depositId": movement.DepositID,
		"quantity":  movement.Quantity,
		"operation": string(movement.Operation),
	}
	status, err := c.doJSON(ctx, account, http.MethodPost, "/stock-movements", body, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return fmt.Errorf("%w: stock movement rejected with status %d", domain.ErrUpstream, status)
	}
	return nil
}

func (c *client) GetOrderDetail(ctx context.Context, account domain.Account, orderID string) (*domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, nil
	}

	var payload struct {
		Data *domain.Order `json:"data"`
	}
	path := "/orders/" + url.PathEscape(orderID)
	status, err := c.doJSON(ctx, account, http.MethodGet, path, nil, &payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return payload.Data, nil
}

// doJSON issues one authenticated request through the global rate gate. A 401
// forces a token refresh and a single replay; 429 is retried honoring
// Retry-After within the configured budget. 404 is returned to the caller,
// other non-2xx statuses become ErrUpstream.
func (c *client) doJSON(ctx context.Context, account domain.Account, method, path string, body any, out any) (int, error) {
	token, err := c.accessToken(ctx, account, false)
	if err != nil {
		return 0, err
	}

	attempts := c.cfg.RateLimitRetries + 1
	refreshed := false
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.gate.Acquire(ctx); err != nil {
			return 0, err
		}

		started := time.Now()
		status, retryAfter, err := c.roundTrip(ctx, token, method, path, body, out)
		if err != nil {
			c.metrics.RecordERPRequest(operationLabel(method, path), "error", time.Since(started))
			return 0, err
		}
		c.metrics.RecordERPRequest(operationLabel(method, path), strconv.Itoa(status), time.Since(started))

		switch {
		case status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			attempt--
			token, err = c.accessToken(ctx, account, true)
			if err != nil {
				return 0, err
			}
		case status == http.StatusUnauthorized:
			return status, domain.ErrUnauthorized
		case status == http.StatusTooManyRequests:
			if attempt == attempts-1 {
				return status, domain.ErrRateLimited
			}
			c.log.Warn("erp rate limited, backing off",
				zap.String("account_ref", account.Ref),
				zap.Duration("retry_after", retryAfter),
			)
			select {
			case <-ctx.Done():
				return status, ctx.Err()
			case <-time.After(retryAfter):
			}
		case status == http.StatusNotFound:
			return status, nil
		case status >= http.StatusBadRequest:
			return status, fmt.Errorf("%w: %s %s returned %d", domain.ErrUpstream, method, path, status)
		default:
			return status, nil
		}
	}
	return 0, domain.ErrRateLimited
}

func operationLabel(method, path string) string {
	switch {
	case strings.HasPrefix(path, "/products"):
		return "get_product"
	case strings.HasPrefix(path, "/stocks/balances"):
		return "get_deposit_balance"
	case strings.HasPrefix(path, "/stock-movements"):
		return "write_stock_movement"
	case strings.HasPrefix(path, "/orders"):
		return "get_order_detail"
	default:
		return strings.ToLower(method)
	}
}

func (c *client) roundTrip(ctx context.Context, token, method, path string, body, out any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	retryAfter := 2 * time.Second
	if raw := strings.TrimSpace(resp.Header.Get("Retry-After")); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			retryAfter = time.Duration(seconds) * time.Second
		}
	}

	if out != nil && resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, retryAfter, fmt.Errorf("%w: decoding %s: %v", domain.ErrUpstream, path, err)
		}
	}
	return resp.StatusCode, retryAfter, nil
}
