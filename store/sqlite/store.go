// Package sqlite provides a SQLite-backed Store via the Grove ORM.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/turnstile"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/rollup"
	turnstore "github.com/xraph/turnstile/store"
	"github.com/xraph/turnstile/subscription"
)

// compile-time interface check
var _ turnstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("turnstile/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("turnstile/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Event Store ====================

func (s *Store) InsertEvent(ctx context.Context, e *event.Event) error {
	m := toEventModel(e)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return event.ErrDedupKeyTaken
		}
		return err
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	m := new(eventModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", eventID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, event.ErrNotFound
		}
		return nil, err
	}
	return fromEventModel(m)
}

func (s *Store) GetEventByDedupKey(ctx context.Context, subID id.SubscriptionID, dedupKey string) (*event.Event, error) {
	m := new(eventModel)
	err := s.sdb.NewSelect(m).
		Where("subscription_id = ?", subID.String()).
		Where("dedup_key = ?", dedupKey).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, event.ErrNotFound
		}
		return nil, err
	}
	return fromEventModel(m)
}

func (s *Store) QueryEvents(ctx context.Context, subID id.SubscriptionID, opts event.QueryOpts) ([]*event.Event, error) {
	var models []eventModel
	q := s.sdb.NewSelect(&models).
		Where("subscription_id = ?", subID.String())

	if opts.Type != "" {
		q = q.Where("type = ?", opts.Type)
	}
	if !opts.Start.IsZero() {
		q = q.Where("timestamp >= ?", opts.Start)
	}
	if !opts.End.IsZero() {
		q = q.Where("timestamp < ?", opts.End)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("timestamp DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*event.Event, len(models))
	for i := range models {
		e, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) AnonymizeEvent(ctx context.Context, eventID id.EventID) error {
	res, err := s.sdb.NewUpdate((*eventModel)(nil)).
		Set("signer_id = ?", "").
		Set("delegation = ?", nil).
		Set("props = ?", nil).
		Set("signature = ?", nil).
		Set("updated_at = ?", now()).
		Where("id = ?", eventID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return event.ErrNotFound
	}
	return nil
}

func (s *Store) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*eventModel)(nil)).
		Where("timestamp < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ==================== Organization Store ====================

func (s *Store) CreateOrganization(ctx context.Context, o *org.Organization) error {
	m := toOrganizationModel(o)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	if err != nil && isUniqueViolation(err) {
		return turnstile.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetOrganization(ctx context.Context, orgID id.OrganizationID) (*org.Organization, error) {
	m := new(organizationModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", orgID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, turnstile.ErrOrganizationNotFound
		}
		return nil, err
	}
	return fromOrganizationModel(m)
}

func (s *Store) ListOrganizations(ctx context.Context, opts org.ListOpts) ([]*org.Organization, error) {
	var models []organizationModel
	q := s.sdb.NewSelect(&models)

	if !opts.IncludeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*org.Organization, len(models))
	for i := range models {
		o, err := fromOrganizationModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = o
	}
	return result, nil
}

func (s *Store) UpdateOrganization(ctx context.Context, o *org.Organization) error {
	m := toOrganizationModel(o)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return turnstile.ErrOrganizationNotFound
	}
	return nil
}

func (s *Store) SoftDeleteOrganization(ctx context.Context, orgID id.OrganizationID) error {
	t := now()
	res, err := s.sdb.NewUpdate((*organizationModel)(nil)).
		Set("deleted_at = ?", t).
		Set("updated_at = ?", t).
		Where("id = ?", orgID.String()).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either missing or already deleted; distinguish for the caller.
		if _, getErr := s.GetOrganization(ctx, orgID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ==================== Quota rule Store ====================

func (s *Store) PutRule(ctx context.Context, rule *quota.Rule) error {
	var ownerCol, ownerVal string
	if !rule.OwnerSub.IsNil() {
		ownerCol, ownerVal = "owner_sub", rule.OwnerSub.String()
	} else {
		ownerCol, ownerVal = "owner_org", rule.OwnerOrg.String()
	}

	var maxVersion sql.NullInt64
	err := s.sdb.NewRaw(`
		SELECT MAX(version) FROM turnstile_quota_rules
		WHERE `+ownerCol+` = ? AND event_type = ?
	`, ownerVal, rule.EventType).Scan(ctx, &maxVersion)
	if err != nil {
		return err
	}

	_, err = s.sdb.NewUpdate((*quotaRuleModel)(nil)).
		Set("active = ?", false).
		Set("updated_at = ?", now()).
		Where(ownerCol+" = ?", ownerVal).
		Where("event_type = ?", rule.EventType).
		Where("active = ?", true).
		Exec(ctx)
	if err != nil {
		return err
	}

	rule.Version = int(maxVersion.Int64) + 1
	rule.Active = true

	m := toQuotaRuleModel(rule)
	_, err = s.sdb.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetRule(ctx context.Context, ruleID id.RuleID) (*quota.Rule, error) {
	m := new(quotaRuleModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", ruleID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, turnstile.ErrRuleNotFound
		}
		return nil, err
	}
	return fromQuotaRuleModel(m)
}

func (s *Store) GetActiveRules(ctx context.Context) ([]*quota.Rule, error) {
	var models []quotaRuleModel
	err := s.sdb.NewSelect(&models).
		Where("active = ?", true).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*quota.Rule, len(models))
	for i := range models {
		r, err := fromQuotaRuleModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) ListRules(ctx context.Context, opts quota.ListOpts) ([]*quota.Rule, error) {
	var models []quotaRuleModel
	q := s.sdb.NewSelect(&models)

	if opts.EventType != "" {
		q = q.Where("event_type = ?", opts.EventType)
	}
	if opts.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("owner_org ASC, owner_sub ASC, event_type ASC, version DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*quota.Rule, len(models))
	for i := range models {
		r, err := fromQuotaRuleModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) DeactivateRule(ctx context.Context, ruleID id.RuleID) error {
	res, err := s.sdb.NewUpdate((*quotaRuleModel)(nil)).
		Set("active = ?", false).
		Set("updated_at = ?", now()).
		Where("id = ?", ruleID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return turnstile.ErrRuleNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.sdb.NewInsert(m).Exec(ctx)
	if err != nil && isUniqueViolation(err) {
		return turnstile.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, turnstile.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, orgID id.OrganizationID, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).
		Where("organization_id = ?", orgID.String())

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.UpdatedAt = now()
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return turnstile.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) CancelSubscription(ctx context.Context, subID id.SubscriptionID, cancelAt time.Time) error {
	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("status = ?", string(subscription.StatusCanceled)).
		Set("canceled_at = ?", cancelAt.UTC()).
		Set("updated_at = ?", now()).
		Where("id = ?", subID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return turnstile.ErrSubscriptionNotFound
	}
	return nil
}

// ==================== Rollup Store ====================

func (s *Store) UpsertBucketDelta(ctx context.Context, delta *rollup.Bucket) error {
	start := delta.BucketStart.UTC().Unix()

	// Counters merge additively inside the statement. The unique state
	// is merged Go-side first because its encoding cannot be combined
	// in SQL; the read-merge-write races only the sketch bytes, and
	// sketch merges are idempotent for repeated members.
	existing := new(rollupBucketModel)
	err := s.sdb.NewSelect(existing).
		Where("subscription_id = ?", delta.SubscriptionID.String()).
		Where("event_type = ?", delta.EventType).
		Where("bucket_start = ?", start).
		Scan(ctx)
	uniqueState := delta.Unique
	if err == nil {
		uniqueState, err = rollup.MergeUniqueBytes(existing.UniqueState, delta.Unique)
		if err != nil {
			return err
		}
	} else if !isNoRows(err) {
		return err
	}

	m := &rollupBucketModel{
		SubscriptionID: delta.SubscriptionID.String(),
		EventType:      delta.EventType,
		BucketStart:    start,
		Count:          delta.Count,
		Sum:            delta.Sum,
		Max:            delta.Max,
		UniqueState:    uniqueState,
		UpdatedAt:      now(),
	}
	_, err = s.sdb.NewInsert(m).
		OnConflict(`(subscription_id, event_type, bucket_start) DO UPDATE SET
			count = count + excluded.count,
			sum = sum + excluded.sum,
			max = MAX(max, excluded.max),
			unique_state = excluded.unique_state,
			updated_at = excluded.updated_at`).
		Exec(ctx)
	return err
}

func (s *Store) QueryBuckets(ctx context.Context, subscriptionID id.SubscriptionID, eventType string, start, end time.Time) ([]*rollup.Bucket, error) {
	var models []rollupBucketModel
	err := s.sdb.NewSelect(&models).
		Where("subscription_id = ?", subscriptionID.String()).
		Where("event_type = ?", eventType).
		Where("bucket_start >= ?", start.UTC().Unix()).
		Where("bucket_start < ?", end.UTC().Unix()).
		OrderExpr("bucket_start ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*rollup.Bucket, len(models))
	for i := range models {
		b, err := fromRollupBucketModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = b
	}
	return result, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation checks for SQLite unique constraint failures.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
