package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/binding-engine/internal/cache"
	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/idgen"
	"github.com/kursadbilgin/binding-engine/internal/lock"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"github.com/kursadbilgin/binding-engine/internal/shard"
	"go.uber.org/zap"
)

const defaultMaxShardTables = 1000

// BindRequest is one number to IMSI (and optional ICCID) association to create.
type BindRequest struct {
	Number         string
	IMSI           string
	ICCID          *string
	NumberID       *int64
	IMSIID         *int64
	OrderID        *int64
	Type           domain.BindingType
	OperatorUserID *int64
	Remark         *string
}

// UnbindRequest releases the active binding of Number. ExpectedIMSI and
// ExpectedICCID, when set, must match the active binding.
type UnbindRequest struct {
	Number         string
	ExpectedIMSI   *string
	ExpectedICCID  *string
	OperatorUserID *int64
	Remark         *string
	// Idempotent treats an already UNBOUND latest binding that matches the
	// expectations as success instead of domain.ErrBindingNotFound.
	Idempotent bool
}

// BindingExecutor performs single bind and unbind operations.
type BindingExecutor interface {
	Bind(ctx context.Context, req BindRequest) (*domain.Binding, error)
	Unbind(ctx context.Context, req UnbindRequest) (*domain.Binding, error)
}

type CoordinatorConfig struct {
	LockWaitTimeout   time.Duration
	LockLeaseTime     time.Duration
	MaxShardTables    int
	FanoutConcurrency int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.LockWaitTimeout < 0 {
		c.LockWaitTimeout = lock.DefaultWaitTimeout
	}
	if c.LockLeaseTime <= 0 {
		c.LockLeaseTime = lock.DefaultLeaseTime
	}
	if c.MaxShardTables <= 0 {
		c.MaxShardTables = defaultMaxShardTables
	}
	if c.FanoutConcurrency <= 0 {
		c.FanoutConcurrency = defaultFanoutConcurrency
	}
	return c
}

// Coordinator is the only writer of binding records. Every mutation runs as
// lock, check, write under the number-scoped distributed lock.
type Coordinator struct {
	bindings repository.BindingRepository
	router   *shard.Router
	locker   lock.Locker
	ids      idgen.Generator
	cache    cache.Cache
	cfg      CoordinatorConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

var _ BindingExecutor = (*Coordinator)(nil)

func NewCoordinator(
	bindings repository.BindingRepository,
	router *shard.Router,
	locker lock.Locker,
	ids idgen.Generator,
	cfg CoordinatorConfig,
	logger *zap.Logger,
) (*Coordinator, error) {
	if bindings == nil {
		return nil, fmt.Errorf("binding repository is required")
	}
	if router == nil {
		return nil, fmt.Errorf("shard router is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		bindings: bindings,
		router:   router,
		locker:   locker,
		ids:      ids,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (c *Coordinator) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

// SetCache makes writes invalidate cached lookups of the affected number.
func (c *Coordinator) SetCache(cache cache.Cache) {
	if c == nil {
		return
	}
	c.cache = cache
}

func numberLockKey(number string) string { return "bind:" + number }
func imsiLockKey(imsi string) string     { return "bind:imsi:" + imsi }
func iccidLockKey(iccid string) string   { return "bind:iccid:" + iccid }

// Bind creates a BOUND record for req. It fails with domain.AlreadyBoundError when
// the number, IMSI or ICCID already has an active binding.
func (c *Coordinator) Bind(ctx context.Context, req BindRequest) (*domain.Binding, error) {
	start := c.now()
	binding, err := c.bind(ctx, req)
	c.metrics.ObserveBindingOperation("bind", outcomeLabel(err), c.now().Sub(start))
	return binding, err
}

func (c *Coordinator) bind(ctx context.Context, req BindRequest) (*domain.Binding, error) {
	number := strings.TrimSpace(req.Number)
	imsi := strings.TrimSpace(req.IMSI)
	iccid := domain.NormalizeOptional(req.ICCID)
	if imsi == "" {
		return nil, fmt.Errorf("%w: imsi is required", domain.ErrInvalidInput)
	}

	bindingType := req.Type
	if bindingType == "" {
		bindingType = domain.BindingTypeNormal
	}
	if !bindingType.IsValid() {
		return nil, fmt.Errorf("%w: invalid binding type %q", domain.ErrInvalidInput, bindingType)
	}

	partition, err := c.router.RouteTable(number)
	if err != nil {
		return nil, err
	}

	operator := operatorOf(ctx, req.OperatorUserID)
	logger := observability.WithContextLogger(c.logger, ctx).With(
		zap.String("partition", partition),
		zap.String("number", number),
		zap.String("imsi", imsi),
	)

	// Lock order is number, imsi, iccid for every caller.
	keys := []string{numberLockKey(number), imsiLockKey(imsi)}
	if iccid != nil {
		keys = append(keys, iccidLockKey(*iccid))
	}

	var created *domain.Binding
	err = lock.WithLock(ctx, c.locker, lock.Request{
		Keys:        keys,
		WaitTimeout: c.cfg.LockWaitTimeout,
		LeaseTime:   c.cfg.LockLeaseTime,
	}, func(ctx context.Context) error {
		if err := c.checkAvailable(ctx, partition, number, imsi, iccid); err != nil {
			return err
		}

		now := c.now().UTC()
		binding := &domain.Binding{
			BindingID:      c.ids.NextBindingID(),
			NumberID:       req.NumberID,
			Number:         number,
			IMSIID:         req.IMSIID,
			IMSI:           imsi,
			ICCID:          iccid,
			Status:         domain.BindingStatusBound,
			Type:           bindingType,
			BindingTime:    now,
			OrderID:        req.OrderID,
			OperatorUserID: operator,
			Remark:         domain.NormalizeOptional(req.Remark),
			CreatedBy:      operator,
			UpdatedBy:      operator,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if err := c.bindings.BatchInsert(ctx, partition, []*domain.Binding{binding}); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				c.metrics.IncStorageConflict()
				logger.Error("storage rejected a binding that passed the locked checks", zap.Error(err))
			}
			return fmt.Errorf("failed to insert binding: %w", err)
		}

		c.invalidate(ctx, number)
		created = binding
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("number bound", zap.Int64("bindingId", created.BindingID))
	return created, nil
}

// checkAvailable must run under the bind locks. The number lives in exactly one
// partition; IMSI and ICCID may be bound in any partition.
func (c *Coordinator) checkAvailable(ctx context.Context, partition, number, imsi string, iccid *string) error {
	existing, err := c.bindings.FindByNumber(ctx, partition, number)
	switch {
	case err == nil:
		return domain.NewAlreadyBoundError(domain.FieldNumber, number, existing.BindingID)
	case !errors.Is(err, domain.ErrBindingNotFound):
		return fmt.Errorf("failed to check number: %w", err)
	}

	partitions, err := c.bindings.ListPartitions(ctx, c.cfg.MaxShardTables)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	existing, err = findFirst(ctx, partitions, c.cfg.FanoutConcurrency, func(ctx context.Context, p string) (*domain.Binding, error) {
		return c.bindings.FindByIMSI(ctx, p, imsi)
	})
	switch {
	case err == nil:
		return domain.NewAlreadyBoundError(domain.FieldIMSI, imsi, existing.BindingID)
	case !errors.Is(err, domain.ErrBindingNotFound):
		return fmt.Errorf("failed to check imsi: %w", err)
	}

	if iccid == nil {
		return nil
	}

	existing, err = findFirst(ctx, partitions, c.cfg.FanoutConcurrency, func(ctx context.Context, p string) (*domain.Binding, error) {
		return c.bindings.FindByICCID(ctx, p, *iccid)
	})
	switch {
	case err == nil:
		return domain.NewAlreadyBoundError(domain.FieldICCID, *iccid, existing.BindingID)
	case !errors.Is(err, domain.ErrBindingNotFound):
		return fmt.Errorf("failed to check iccid: %w", err)
	}
	return nil
}

// Unbind moves the active binding of req.Number to UNBOUND. The row is kept.
func (c *Coordinator) Unbind(ctx context.Context, req UnbindRequest) (*domain.Binding, error) {
	start := c.now()
	binding, err := c.unbind(ctx, req)
	c.metrics.ObserveBindingOperation("unbind", outcomeLabel(err), c.now().Sub(start))
	return binding, err
}

func (c *Coordinator) unbind(ctx context.Context, req UnbindRequest) (*domain.Binding, error) {
	number := strings.TrimSpace(req.Number)
	partition, err := c.router.RouteTable(number)
	if err != nil {
		return nil, err
	}

	expectedIMSI := domain.NormalizeOptional(req.ExpectedIMSI)
	expectedICCID := domain.NormalizeOptional(req.ExpectedICCID)
	operator := operatorOf(ctx, req.OperatorUserID)
	logger := observability.WithContextLogger(c.logger, ctx).With(
		zap.String("partition", partition),
		zap.String("number", number),
	)

	var result *domain.Binding
	err = lock.WithLock(ctx, c.locker, lock.Request{
		Keys:        []string{numberLockKey(number)},
		WaitTimeout: c.cfg.LockWaitTimeout,
		LeaseTime:   c.cfg.LockLeaseTime,
	}, func(ctx context.Context) error {
		current, err := c.bindings.FindByNumber(ctx, partition, number)
		if errors.Is(err, domain.ErrBindingNotFound) {
			if req.Idempotent {
				latest, err := c.alreadyUnbound(ctx, partition, number, expectedIMSI, expectedICCID)
				if err != nil {
					return err
				}
				if latest != nil {
					result = latest
					return nil
				}
			}
			return fmt.Errorf("%w: number %s has no active binding", domain.ErrBindingNotFound, number)
		}
		if err != nil {
			return fmt.Errorf("failed to find binding: %w", err)
		}

		if err := matchExpected(current, expectedIMSI, expectedICCID); err != nil {
			return err
		}

		stamp := domain.UnbindStamp{
			UnbindTime:     c.now().UTC(),
			OperatorUserID: operator,
			Remark:         domain.NormalizeOptional(req.Remark),
		}
		changed, err := c.bindings.BatchUpdateStatus(ctx, partition, []int64{current.BindingID}, stamp)
		if err != nil {
			return fmt.Errorf("failed to unbind: %w", err)
		}
		if changed == 0 {
			c.metrics.IncStorageConflict()
			logger.Error("active binding changed while the number lock was held",
				zap.Int64("bindingId", current.BindingID),
			)
			return fmt.Errorf("%w: binding %d is no longer bound", domain.ErrConflict, current.BindingID)
		}

		current.Status = domain.BindingStatusUnbound
		current.UnbindTime = &stamp.UnbindTime
		current.OperatorUserID = stamp.OperatorUserID
		current.UpdatedBy = stamp.OperatorUserID
		current.UpdatedAt = stamp.UnbindTime
		if stamp.Remark != nil {
			current.Remark = stamp.Remark
		}

		c.invalidate(ctx, number)
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("number unbound", zap.Int64("bindingId", result.BindingID))
	return result, nil
}

// alreadyUnbound returns the latest record for number when it is UNBOUND and matches
// the expected identifiers, and nil when there is nothing to treat as done.
func (c *Coordinator) alreadyUnbound(ctx context.Context, partition, number string, expectedIMSI, expectedICCID *string) (*domain.Binding, error) {
	latest, err := c.bindings.FindLatestByNumber(ctx, partition, number)
	if errors.Is(err, domain.ErrBindingNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest binding: %w", err)
	}
	if latest.Status != domain.BindingStatusUnbound || matchExpected(latest, expectedIMSI, expectedICCID) != nil {
		return nil, nil
	}
	return latest, nil
}

func matchExpected(b *domain.Binding, expectedIMSI, expectedICCID *string) error {
	if expectedIMSI != nil && *expectedIMSI != b.IMSI {
		return fmt.Errorf("%w: imsi mismatch for number %s", domain.ErrInvalidInput, b.Number)
	}
	if expectedICCID != nil && (b.ICCID == nil || *b.ICCID != *expectedICCID) {
		return fmt.Errorf("%w: iccid mismatch for number %s", domain.ErrInvalidInput, b.Number)
	}
	return nil
}

func (c *Coordinator) invalidate(ctx context.Context, number string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Remove(ctx, numberCacheKey(number)); err != nil {
		observability.WithContextLogger(c.logger, ctx).Warn("failed to invalidate binding cache",
			zap.String("number", number),
			zap.Error(err),
		)
	}
}

// operatorOf prefers the operator set on the request over the one on ctx.
func operatorOf(ctx context.Context, explicit *int64) *int64 {
	if explicit != nil {
		return explicit
	}
	if id, ok := observability.OperatorFromContext(ctx); ok {
		return &id
	}
	return nil
}

// outcomeLabel maps an operation error to a metrics label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrAlreadyBound):
		return "already_bound"
	case errors.Is(err, domain.ErrBindingNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrLockAcquisition):
		return "lock_timeout"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// isItemError reports whether err belongs to a single item rather than to the
// infrastructure the item ran on.
func isItemError(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrAlreadyBound) ||
		errors.Is(err, domain.ErrBindingNotFound) ||
		errors.Is(err, domain.ErrLockAcquisition) ||
		errors.Is(err, domain.ErrConflict)
}
