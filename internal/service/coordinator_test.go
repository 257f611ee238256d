package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"github.com/kursadbilgin/binding-engine/internal/repository"
)

func TestCoordinatorBindCreatesBoundRecord(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := observability.WithOperator(context.Background(), 7)

	binding, err := e.coordinator.Bind(ctx, BindRequest{
		Number:  " 13900000001 ",
		IMSI:    "460001234567890",
		ICCID:   strPtr("8986001"),
		OrderID: int64Ptr(55),
	})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if binding.BindingID == 0 {
		t.Fatal("expected generated binding id")
	}
	if binding.Number != "13900000001" || binding.Status != domain.BindingStatusBound {
		t.Fatalf("binding = %+v", binding)
	}
	if binding.Type != domain.BindingTypeNormal {
		t.Fatalf("type = %s, want NORMAL", binding.Type)
	}
	if binding.OperatorUserID == nil || *binding.OperatorUserID != 7 {
		t.Fatalf("operator = %v, want 7 from context", binding.OperatorUserID)
	}

	stored, err := e.bindings.FindByNumber(context.Background(), "number_imsi_binding_139", "13900000001")
	if err != nil {
		t.Fatalf("FindByNumber() error = %v", err)
	}
	if stored.BindingID != binding.BindingID || stored.IMSI != "460001234567890" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestCoordinatorBindRejectsDuplicates(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.coordinator.Bind(ctx, BindRequest{Number: "13900000001", IMSI: "imsi-1", ICCID: strPtr("iccid-1")}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	tests := []struct {
		name      string
		req       BindRequest
		wantField domain.BindingField
	}{
		{name: "same number", req: BindRequest{Number: "13900000001", IMSI: "imsi-2"}, wantField: domain.FieldNumber},
		{name: "same imsi other partition", req: BindRequest{Number: "15000000001", IMSI: "imsi-1"}, wantField: domain.FieldIMSI},
		{name: "same iccid", req: BindRequest{Number: "13900000002", IMSI: "imsi-3", ICCID: strPtr("iccid-1")}, wantField: domain.FieldICCID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.coordinator.Bind(ctx, tt.req)
			if !errors.Is(err, domain.ErrAlreadyBound) {
				t.Fatalf("Bind() error = %v, want ErrAlreadyBound", err)
			}
			var abErr *domain.AlreadyBoundError
			if !errors.As(err, &abErr) {
				t.Fatalf("Bind() error type = %T, want *AlreadyBoundError", err)
			}
			if abErr.Field != tt.wantField {
				t.Fatalf("field = %s, want %s", abErr.Field, tt.wantField)
			}
		})
	}
}

func TestCoordinatorBindValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	tests := []struct {
		name string
		req  BindRequest
	}{
		{name: "short number", req: BindRequest{Number: "12", IMSI: "imsi-1"}},
		{name: "missing imsi", req: BindRequest{Number: "13900000001"}},
		{name: "bad type", req: BindRequest{Number: "13900000001", IMSI: "imsi-1", Type: domain.BindingType("VIP")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.coordinator.Bind(context.Background(), tt.req)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("Bind() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestCoordinatorConcurrentBindSameNumber(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	const attempts = 8

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.coordinator.Bind(context.Background(), BindRequest{
				Number: "13900000001",
				IMSI:   "imsi-" + string(rune('a'+i)),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrAlreadyBound):
		default:
			t.Fatalf("attempt %d error = %v, want nil or ErrAlreadyBound", i, err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("successful binds = %d, want 1", succeeded)
	}

	counts, err := e.bindings.CountByStatus(context.Background(), "number_imsi_binding_139")
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts.Bound != 1 {
		t.Fatalf("bound rows = %d, want 1", counts.Bound)
	}
}

func TestCoordinatorBindUnbindRoundTrip(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	bound, err := e.coordinator.Bind(ctx, BindRequest{Number: "13900000001", IMSI: "imsi-1"})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	unbound, err := e.coordinator.Unbind(ctx, UnbindRequest{
		Number:         "13900000001",
		OperatorUserID: int64Ptr(9),
		Remark:         strPtr("port out"),
	})
	if err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}
	if unbound.BindingID != bound.BindingID || unbound.Status != domain.BindingStatusUnbound {
		t.Fatalf("unbound = %+v", unbound)
	}

	latest, err := e.queries.FindLatestByNumber(ctx, "13900000001")
	if err != nil {
		t.Fatalf("FindLatestByNumber() error = %v", err)
	}
	if latest.Status != domain.BindingStatusUnbound || latest.UnbindTime == nil {
		t.Fatalf("latest = %+v, want UNBOUND with unbind time", latest)
	}
	if latest.Remark == nil || *latest.Remark != "port out" {
		t.Fatalf("remark = %v, want port out", latest.Remark)
	}

	if _, err := e.queries.LookupByNumber(ctx, "13900000001"); !errors.Is(err, domain.ErrBindingNotFound) {
		t.Fatalf("LookupByNumber() error = %v, want ErrBindingNotFound", err)
	}

	// The IMSI is free again once unbound.
	if _, err := e.coordinator.Bind(ctx, BindRequest{Number: "13900000002", IMSI: "imsi-1"}); err != nil {
		t.Fatalf("rebind imsi error = %v", err)
	}
}

func TestCoordinatorUnbindErrors(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.coordinator.Bind(ctx, BindRequest{Number: "13900000001", IMSI: "imsi-1", ICCID: strPtr("iccid-1")}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	tests := []struct {
		name string
		req  UnbindRequest
		want error
	}{
		{name: "no binding", req: UnbindRequest{Number: "13900000009"}, want: domain.ErrBindingNotFound},
		{name: "imsi mismatch", req: UnbindRequest{Number: "13900000001", ExpectedIMSI: strPtr("imsi-2")}, want: domain.ErrInvalidInput},
		{name: "iccid mismatch", req: UnbindRequest{Number: "13900000001", ExpectedICCID: strPtr("iccid-2")}, want: domain.ErrInvalidInput},
		{name: "short number", req: UnbindRequest{Number: "1"}, want: domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.coordinator.Unbind(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Unbind() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCoordinatorUnbindIdempotent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	e.bind(t, "13900000001", "imsi-1")

	req := UnbindRequest{Number: "13900000001", ExpectedIMSI: strPtr("imsi-1"), Idempotent: true}
	if _, err := e.coordinator.Unbind(ctx, req); err != nil {
		t.Fatalf("first Unbind() error = %v", err)
	}
	again, err := e.coordinator.Unbind(ctx, req)
	if err != nil {
		t.Fatalf("second Unbind() error = %v", err)
	}
	if again.Status != domain.BindingStatusUnbound {
		t.Fatalf("status = %s, want UNBOUND", again.Status)
	}

	req.ExpectedIMSI = strPtr("imsi-other")
	if _, err := e.coordinator.Unbind(ctx, req); !errors.Is(err, domain.ErrBindingNotFound) {
		t.Fatalf("mismatched idempotent Unbind() error = %v, want ErrBindingNotFound", err)
	}

	req.Idempotent = false
	req.ExpectedIMSI = strPtr("imsi-1")
	if _, err := e.coordinator.Unbind(ctx, req); !errors.Is(err, domain.ErrBindingNotFound) {
		t.Fatalf("strict Unbind() error = %v, want ErrBindingNotFound", err)
	}
}

// latestErrBindings fails FindLatestByNumber and delegates everything else.
type latestErrBindings struct {
	repository.BindingRepository
	err error
}

func (b *latestErrBindings) FindLatestByNumber(ctx context.Context, partition, number string) (*domain.Binding, error) {
	return nil, b.err
}

func TestCoordinatorIdempotentUnbindStorageError(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	e.bind(t, "13900000001", "imsi-1")
	if _, err := e.coordinator.Unbind(ctx, UnbindRequest{Number: "13900000001"}); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}

	storageErr := errors.New("connection reset by peer")
	e.coordinator.bindings = &latestErrBindings{BindingRepository: e.bindings, err: storageErr}

	_, err := e.coordinator.Unbind(ctx, UnbindRequest{Number: "13900000001", Idempotent: true})
	if !errors.Is(err, storageErr) {
		t.Fatalf("Unbind() error = %v, want storage error", err)
	}
	if isItemError(err) {
		t.Fatalf("isItemError(%v) = true, want false", err)
	}
}

func TestCoordinatorLockTimeout(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	held, ok, err := e.locks.TryLock(ctx, numberLockKey("13900000001"), 0, 0)
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	defer func() { _, _ = held.Unlock(ctx) }()

	e.coordinator.cfg.LockWaitTimeout = 0
	_, err = e.coordinator.Bind(ctx, BindRequest{Number: "13900000001", IMSI: "imsi-1"})
	if !errors.Is(err, domain.ErrLockAcquisition) {
		t.Fatalf("Bind() error = %v, want ErrLockAcquisition", err)
	}
	if locked, _ := e.locks.IsLocked(ctx, imsiLockKey("imsi-1")); locked {
		t.Fatal("imsi lock must not be held after a failed bind")
	}
}

func TestCoordinatorInvalidatesCache(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	e.bind(t, "13900000001", "imsi-1")

	if _, err := e.queries.LookupByNumber(ctx, "13900000001"); err != nil {
		t.Fatalf("LookupByNumber() error = %v", err)
	}
	if e.cache.Len() != 1 {
		t.Fatalf("cache len = %d, want 1", e.cache.Len())
	}

	if _, err := e.coordinator.Unbind(ctx, UnbindRequest{Number: "13900000001"}); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}
	if e.cache.Len() != 0 {
		t.Fatalf("cache len = %d, want 0 after unbind", e.cache.Len())
	}
}

func TestOperatorOf(t *testing.T) {
	t.Parallel()

	withOperator := observability.WithOperator(context.Background(), 7)
	tests := []struct {
		name     string
		ctx      context.Context
		explicit *int64
		want     *int64
	}{
		{name: "explicit wins over context", ctx: withOperator, explicit: int64Ptr(9), want: int64Ptr(9)},
		{name: "context fallback", ctx: withOperator, want: int64Ptr(7)},
		{name: "explicit only", ctx: context.Background(), explicit: int64Ptr(9), want: int64Ptr(9)},
		{name: "none", ctx: context.Background()},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := operatorOf(tt.ctx, tt.explicit)
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Fatalf("operatorOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutcomeLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: "success"},
		{err: domain.NewAlreadyBoundError(domain.FieldIMSI, "x", 1), want: "already_bound"},
		{err: domain.ErrBindingNotFound, want: "not_found"},
		{err: domain.ErrEmptyList, want: "invalid_input"},
		{err: domain.ErrLockAcquisition, want: "lock_timeout"},
		{err: domain.ErrConflict, want: "conflict"},
		{err: errors.New("boom"), want: "error"},
	}

	for _, tt := range tests {
		if got := outcomeLabel(tt.err); got != tt.want {
			t.Fatalf("outcomeLabel(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
