package postgres

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/rollup"
	"github.com/xraph/turnstile/subscription"
	"github.com/xraph/turnstile/types"
)

// ==================== Event models ====================

type eventModel struct {
	grove.BaseModel `grove:"table:turnstile_events"`

	ID              string          `grove:"id,pk"`
	DedupKey        string          `grove:"dedup_key"`
	SubscriptionID  string          `grove:"subscription_id"`
	SignerID        string          `grove:"signer_id"`
	Delegation      json.RawMessage `grove:"delegation,type:jsonb"`
	Type            string          `grove:"type"`
	Quantity        int64           `grove:"quantity"`
	Timestamp       time.Time       `grove:"timestamp"`
	ClientTimestamp time.Time       `grove:"client_timestamp"`
	Props           json.RawMessage `grove:"props,type:jsonb"`
	Signature       []byte          `grove:"signature"`
	PayloadHash     string          `grove:"payload_hash"`
	CreatedAt       time.Time       `grove:"created_at"`
	UpdatedAt       time.Time       `grove:"updated_at"`
}

func toEventModel(e *event.Event) *eventModel {
	delegation, _ := json.Marshal(e.Delegation) //nolint:errcheck // best-effort
	props, _ := json.Marshal(e.Props)           //nolint:errcheck // best-effort

	return &eventModel{
		ID:              e.ID.String(),
		DedupKey:        e.DedupKey,
		SubscriptionID:  e.SubscriptionID.String(),
		SignerID:        e.SignerID,
		Delegation:      delegation,
		Type:            e.Type,
		Quantity:        e.Quantity,
		Timestamp:       e.Timestamp,
		ClientTimestamp: e.ClientTimestamp,
		Props:           props,
		Signature:       e.Signature,
		PayloadHash:     e.PayloadHash,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	eventID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	var delegation []event.Delegation
	if len(m.Delegation) > 0 && string(m.Delegation) != "null" {
		_ = json.Unmarshal(m.Delegation, &delegation) //nolint:errcheck // best-effort
	}

	var props map[string]any
	if len(m.Props) > 0 && string(m.Props) != "null" {
		_ = json.Unmarshal(m.Props, &props) //nolint:errcheck // best-effort
	}

	return &event.Event{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              eventID,
		DedupKey:        m.DedupKey,
		SignerID:        m.SignerID,
		Delegation:      delegation,
		SubscriptionID:  subID,
		Type:            m.Type,
		Quantity:        m.Quantity,
		Timestamp:       m.Timestamp,
		ClientTimestamp: m.ClientTimestamp,
		Props:           props,
		Signature:       m.Signature,
		PayloadHash:     m.PayloadHash,
	}, nil
}

// ==================== Organization models ====================

type organizationModel struct {
	grove.BaseModel `grove:"table:turnstile_organizations"`

	ID        string            `grove:"id,pk"`
	Name      string            `grove:"name"`
	ParentID  string            `grove:"parent_id"`
	Mode      string            `grove:"mode"`
	DeletedAt *time.Time        `grove:"deleted_at"`
	Metadata  map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt time.Time         `grove:"created_at"`
	UpdatedAt time.Time         `grove:"updated_at"`
}

func toOrganizationModel(o *org.Organization) *organizationModel {
	return &organizationModel{
		ID:        o.ID.String(),
		Name:      o.Name,
		ParentID:  o.ParentID.String(),
		Mode:      string(o.Mode),
		DeletedAt: o.DeletedAt,
		Metadata:  o.Metadata,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func fromOrganizationModel(m *organizationModel) (*org.Organization, error) {
	orgID, err := id.ParseOrganizationID(m.ID)
	if err != nil {
		return nil, err
	}

	parentID := id.Nil
	if m.ParentID != "" {
		parentID, err = id.ParseOrganizationID(m.ParentID)
		if err != nil {
			return nil, err
		}
	}

	return &org.Organization{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:        orgID,
		Name:      m.Name,
		ParentID:  parentID,
		Mode:      org.Mode(m.Mode),
		DeletedAt: m.DeletedAt,
		Metadata:  m.Metadata,
	}, nil
}

// ==================== Quota rule models ====================

type quotaRuleModel struct {
	grove.BaseModel `grove:"table:turnstile_quota_rules"`

	ID              string    `grove:"id,pk"`
	OwnerOrg        string    `grove:"owner_org"`
	OwnerSub        string    `grove:"owner_sub"`
	EventType       string    `grove:"event_type"`
	QuotaLimit      int64     `grove:"quota_limit"`
	Period          string    `grove:"period"`
	Overflow        string    `grove:"overflow"`
	OverageAmount   *int64    `grove:"overage_amount"`
	OverageCurrency string    `grove:"overage_currency"`
	ThrottleDelayNs int64     `grove:"throttle_delay_ns"`
	Version         int       `grove:"version"`
	Active          bool      `grove:"active"`
	CreatedAt       time.Time `grove:"created_at"`
	UpdatedAt       time.Time `grove:"updated_at"`
}

func toQuotaRuleModel(r *quota.Rule) *quotaRuleModel {
	m := &quotaRuleModel{
		ID:              r.ID.String(),
		OwnerOrg:        r.OwnerOrg.String(),
		OwnerSub:        r.OwnerSub.String(),
		EventType:       r.EventType,
		QuotaLimit:      r.Limit,
		Period:          string(r.Period),
		Overflow:        string(r.Overflow),
		ThrottleDelayNs: int64(r.ThrottleDelay),
		Version:         r.Version,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.OverageUnit != nil {
		amount := r.OverageUnit.Amount
		m.OverageAmount = &amount
		m.OverageCurrency = r.OverageUnit.Currency
	}
	return m
}

func fromQuotaRuleModel(m *quotaRuleModel) (*quota.Rule, error) {
	ruleID, err := id.ParseRuleID(m.ID)
	if err != nil {
		return nil, err
	}

	ownerOrg := id.Nil
	if m.OwnerOrg != "" {
		ownerOrg, err = id.ParseOrganizationID(m.OwnerOrg)
		if err != nil {
			return nil, err
		}
	}
	ownerSub := id.Nil
	if m.OwnerSub != "" {
		ownerSub, err = id.ParseSubscriptionID(m.OwnerSub)
		if err != nil {
			return nil, err
		}
	}

	var overage *types.Money
	if m.OverageAmount != nil {
		overage = &types.Money{Amount: *m.OverageAmount, Currency: m.OverageCurrency}
	}

	return &quota.Rule{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            ruleID,
		OwnerOrg:      ownerOrg,
		OwnerSub:      ownerSub,
		EventType:     m.EventType,
		Limit:         m.QuotaLimit,
		Period:        quota.Period(m.Period),
		Overflow:      quota.Overflow(m.Overflow),
		OverageUnit:   overage,
		ThrottleDelay: time.Duration(m.ThrottleDelayNs),
		Version:       m.Version,
		Active:        m.Active,
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:turnstile_subscriptions"`

	ID             string            `grove:"id,pk"`
	OrganizationID string            `grove:"organization_id"`
	OwnerIdentity  string            `grove:"owner_identity"`
	Status         string            `grove:"status"`
	StartedAt      time.Time         `grove:"started_at"`
	CanceledAt     *time.Time        `grove:"canceled_at"`
	EndedAt        *time.Time        `grove:"ended_at"`
	Metadata       map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt      time.Time         `grove:"created_at"`
	UpdatedAt      time.Time         `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:             s.ID.String(),
		OrganizationID: s.OrganizationID.String(),
		OwnerIdentity:  s.OwnerIdentity,
		Status:         string(s.Status),
		StartedAt:      s.StartedAt,
		CanceledAt:     s.CanceledAt,
		EndedAt:        s.EndedAt,
		Metadata:       s.Metadata,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	orgID, err := id.ParseOrganizationID(m.OrganizationID)
	if err != nil {
		return nil, err
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             subID,
		OrganizationID: orgID,
		OwnerIdentity:  m.OwnerIdentity,
		Status:         subscription.Status(m.Status),
		StartedAt:      m.StartedAt,
		CanceledAt:     m.CanceledAt,
		EndedAt:        m.EndedAt,
		Metadata:       m.Metadata,
	}, nil
}

// ==================== Rollup bucket models ====================

type rollupBucketModel struct {
	grove.BaseModel `grove:"table:turnstile_rollup_buckets"`

	SubscriptionID string    `grove:"subscription_id,pk"`
	EventType      string    `grove:"event_type,pk"`
	BucketStart    int64     `grove:"bucket_start,pk"`
	Count          int64     `grove:"count"`
	Sum            int64     `grove:"sum"`
	Max            int64     `grove:"max"`
	UniqueState    []byte    `grove:"unique_state"`
	UpdatedAt      time.Time `grove:"updated_at"`
}

func fromRollupBucketModel(m *rollupBucketModel) (*rollup.Bucket, error) {
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &rollup.Bucket{
		SubscriptionID: subID,
		EventType:      m.EventType,
		BucketStart:    time.Unix(m.BucketStart, 0).UTC(),
		Count:          m.Count,
		Sum:            m.Sum,
		Max:            m.Max,
		Unique:         m.UniqueState,
	}, nil
}
