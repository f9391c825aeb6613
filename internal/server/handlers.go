package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	ledgerdomain "github.com/smallbiznis/depotsync/internal/ledger/domain"
	"github.com/smallbiznis/depotsync/internal/synchronizer"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandleWebhook accepts an opaque platform payload. It answers 200 for
// anything parsable, before processing, so the upstream platform never
// disables the webhook over downstream failures.
func (s *Server) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil || !json.Valid(body) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "unparsable"})
		return
	}

	tenantHint := strings.TrimSpace(c.Query("tenant_id"))
	accountHint := strings.TrimSpace(c.Query("account"))

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})

	ctx := context.WithoutCancel(c.Request.Context())
	go s.ingest(ctx, body, tenantHint, accountHint)
}

func (s *Server) ingest(ctx context.Context, body []byte, tenantHint, accountHint string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("webhook ingestion panicked", zap.Any("panic", r))
		}
	}()

	events, err := s.normalizer.Normalize(ctx, body, tenantHint, accountHint)
	if err != nil {
		s.log.Warn("webhook normalization failed",
			zap.String("tenant_hint", tenantHint),
			zap.Error(err),
		)
		return
	}
	for _, evt := range events {
		if err := s.dispatcher.Enqueue(ctx, evt); err != nil {
			s.log.Error("event enqueue failed",
				zap.String("tenant_id", evt.TenantID),
				zap.String("event_id", evt.EventID),
				zap.Error(err),
			)
		}
	}
}

type triggerRequest struct {
	TenantID   string `json:"tenant_id" binding:"required"`
	ProductRef string `json:"product_ref" binding:"required"`
}

// TriggerSync runs the synchronizer inline and returns its result.
func (s *Server) TriggerSync(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.sync.Synchronize(c.Request.Context(), req.TenantID, req.ProductRef, "manual")
	s.recordManualRun(c.Request.Context(), req.TenantID, req.ProductRef, result, err)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.tenants.IncrementCounter(c.Request.Context(), req.TenantID, tenantdomain.CounterManualRuns); err != nil {
		s.log.Warn("counter update failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
	}
	c.JSON(http.StatusOK, result)
}

// recordManualRun appends an audit entry for an operator-triggered run. The
// synthetic event id is unique per call, so manual runs never dedup away.
func (s *Server) recordManualRun(ctx context.Context, tenantID, productRef string, result *synchronizer.Result, syncErr error) {
	eventID := "manual-" + uuid.NewString()
	entry := &ledgerdomain.Entry{
		ID:          s.genID.Generate(),
		Fingerprint: ledgerdomain.Fingerprint(productRef, eventID, 0, nil),
		TenantID:    tenantID,
		ProductRef:  productRef,
		EventID:     eventID,
		Origin:      "manual",
	}
	if result != nil {
		entry.ProductRef = result.ProductRef
		entry.Sum = result.Sum
		entry.PerAccount = result.PerAccount
		entry.SharedWrites = result.SharedWrites
		entry.Success = result.Success
		entry.Balances = make(map[string]float64, len(result.PerDeposit))
		for depositID, qty := range result.PerDeposit {
			entry.Balances[strconv.FormatInt(depositID, 10)] = qty
		}
		entry.Error = strings.Join(result.Errors, "; ")
	}
	if syncErr != nil {
		entry.Error = syncErr.Error()
	}
	if err := s.ledger.Record(ctx, entry); err != nil {
		s.log.Warn("manual run ledger record failed",
			zap.String("tenant_id", tenantID),
			zap.String("product_ref", productRef),
			zap.Error(err),
		)
	}
}

// GetTenantStatus exposes the rolling counters and enablement flag.
func (s *Server) GetTenantStatus(c *gin.Context) {
	tenantID := c.Param("id")

	cfg, err := s.tenants.Get(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if cfg == nil {
		AbortWithError(c, tenantdomain.ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id":    cfg.TenantID,
		"enabled":      cfg.Enabled,
		"complete":     cfg.Complete(),
		"webhook_runs": cfg.WebhookRuns,
		"manual_runs":  cfg.ManualRuns,
		"lost_events":  cfg.LostEvents,
		"last_sync_at": cfg.LastSyncAt,
		"accounts":     cfg.Accounts,
	})
}

// GetProductStock serves the local mirror to product-listing collaborators.
func (s *Server) GetProductStock(c *gin.Context) {
	tenantID := c.Param("id")
	productRef := c.Param("ref")

	stock, err := s.mirror.Get(c.Request.Context(), s.db, tenantID, productRef)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if stock == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"type": "not_found", "message": "no mirrored stock for product"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id":   stock.TenantID,
		"product_ref": stock.ProductRef,
		"total":       stock.Total,
		"per_account": stock.PerAccount,
		"updated_at":  stock.UpdatedAt,
	})
}
