package domain

import (
	"strings"
	"time"
)

// DepositType classifies a monitored warehouse.
type DepositType string

const (
	// DepositPrincipal marks a source-of-truth deposit; its balance is summed.
	DepositPrincipal DepositType = "principal"
	// DepositShared marks a mirror deposit; it receives the computed sum.
	DepositShared DepositType = "shared"
)

// AggregationRule combines principal balances into the canonical figure.
type AggregationRule string

const (
	RuleSum AggregationRule = "sum"
	RuleAvg AggregationRule = "avg"
	RuleMax AggregationRule = "max"
	RuleMin AggregationRule = "min"
)

// Account is one connected upstream platform account.
type Account struct {
	Ref       string `json:"ref"`
	Name      string `json:"name"`
	CompanyID string `json:"company_id,omitempty"`
	Active    bool   `json:"active"`
}

// Deposit is one monitored warehouse on an account.
type Deposit struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	Type       DepositType `json:"type"`
	AccountRef string      `json:"account_ref"`
}

// Counter identifies a rolling tenant counter.
type Counter string

const (
	CounterWebhookRuns Counter = "webhook_runs"
	CounterManualRuns  Counter = "manual_runs"
	CounterLostEvents  Counter = "lost_events"
)

// SyncConfig is the per-tenant synchronization configuration. It is mutated
// by tenant-facing configuration endpoints; the core only bumps counters and
// the last-sync timestamp.
type SyncConfig struct {
	TenantID     string          `json:"tenant_id" gorm:"primaryKey;type:text"`
	Accounts     []Account       `json:"accounts" gorm:"type:jsonb;serializer:json"`
	Deposits     []Deposit       `json:"deposits" gorm:"type:jsonb;serializer:json"`
	Rule         AggregationRule `json:"rule" gorm:"type:text;not null;default:sum"`
	PrincipalIDs []int64         `json:"principal_ids" gorm:"type:jsonb;serializer:json"`
	SharedIDs    []int64         `json:"shared_ids" gorm:"type:jsonb;serializer:json"`
	Enabled      bool            `json:"enabled" gorm:"not null;default:false"`
	// StaleAfterSeconds overrides how old this tenant's mirror entries may
	// get before the reconciliation sweep re-checks them. Zero falls back to
	// the scheduler default.
	StaleAfterSeconds int64      `json:"stale_after_seconds,omitempty" gorm:"not null;default:0"`
	WebhookRuns       int64      `json:"webhook_runs" gorm:"not null;default:0"`
	ManualRuns        int64      `json:"manual_runs" gorm:"not null;default:0"`
	LostEvents        int64      `json:"lost_events" gorm:"not null;default:0"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time  `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SyncConfig) TableName() string { return "tenant_sync_configs" }

// Complete reports whether the configuration can drive a synchronization:
// at least one active account, one deposit, and non-empty principal and
// shared subsets.
func (c *SyncConfig) Complete() bool {
	if c == nil {
		return false
	}
	hasActive := false
	for _, account := range c.Accounts {
		if account.Active {
			hasActive = true
			break
		}
	}
	return hasActive && len(c.Deposits) > 0 && len(c.PrincipalIDs) > 0 && len(c.SharedIDs) > 0
}

// StaleAfter returns the tenant's staleness threshold, or fallback when no
// override is configured.
func (c *SyncConfig) StaleAfter(fallback time.Duration) time.Duration {
	if c.StaleAfterSeconds > 0 {
		return time.Duration(c.StaleAfterSeconds) * time.Second
	}
	return fallback
}

// AccountByRef returns the configured account with the given reference.
func (c *SyncConfig) AccountByRef(ref string) *Account {
	ref = strings.TrimSpace(ref)
	for i := range c.Accounts {
		if strings.EqualFold(c.Accounts[i].Ref, ref) {
			return &c.Accounts[i]
		}
	}
	return nil
}

// AccountByCompanyID matches an account by the upstream company identifier.
func (c *SyncConfig) AccountByCompanyID(companyID string) *Account {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return nil
	}
	for i := range c.Accounts {
		if c.Accounts[i].CompanyID == companyID {
			return &c.Accounts[i]
		}
	}
	return nil
}

// DepositByID returns the configured deposit with the given id.
func (c *SyncConfig) DepositByID(id int64) *Deposit {
	for i := range c.Deposits {
		if c.Deposits[i].ID == id {
			return &c.Deposits[i]
		}
	}
	return nil
}

// PrincipalDeposits returns the principal subset in declaration order.
func (c *SyncConfig) PrincipalDeposits() []Deposit {
	return c.depositsIn(c.PrincipalIDs)
}

// SharedDeposits returns the shared subset in declaration order.
func (c *SyncConfig) SharedDeposits() []Deposit {
	return c.depositsIn(c.SharedIDs)
}

func (c *SyncConfig) depositsIn(ids []int64) []Deposit {
	out := make([]Deposit, 0, len(ids))
	for _, id := range ids {
		if d := c.DepositByID(id); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// ActiveAccounts returns the accounts flagged active in configuration. The
// flag is a cached view; callers must cross-check live credential records
// before writing.
func (c *SyncConfig) ActiveAccounts() []Account {
	out := make([]Account, 0, len(c.Accounts))
	for _, account := range c.Accounts {
		if account.Active {
			out = append(out, account)
		}
	}
	return out
}
