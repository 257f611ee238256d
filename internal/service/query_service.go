package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/binding-engine/internal/cache"
	"github.com/kursadbilgin/binding-engine/internal/domain"
	"github.com/kursadbilgin/binding-engine/internal/observability"
	"github.com/kursadbilgin/binding-engine/internal/repository"
	"github.com/kursadbilgin/binding-engine/internal/shard"
	"go.uber.org/zap"
)

const (
	defaultQueryPageSize = 50
	maxQueryPageSize     = 500
)

func numberCacheKey(number string) string { return "binding:number:" + number }

type QueryConfig struct {
	MaxShardTables    int
	FanoutConcurrency int
}

// BindingPage is one page of a query that may span several partitions. Items are
// ordered by partition name, then newest first inside a partition.
type BindingPage struct {
	Items      []domain.Binding
	Total      int64
	Page       int
	PageSize   int
	Partitions []string
}

type PartitionCounts struct {
	Partition string
	repository.StatusCounts
}

// StatusReport holds per-partition binding counts and their sum.
type StatusReport struct {
	Partitions []PartitionCounts
	Total      repository.StatusCounts
}

// QueryService answers read-only binding lookups, including ones that fan out
// across partitions.
type QueryService struct {
	bindings repository.BindingRepository
	router   *shard.Router
	cache    cache.Cache
	cfg      QueryConfig
	logger   *zap.Logger
}

func NewQueryService(
	bindings repository.BindingRepository,
	router *shard.Router,
	cfg QueryConfig,
	logger *zap.Logger,
) (*QueryService, error) {
	if bindings == nil {
		return nil, fmt.Errorf("binding repository is required")
	}
	if router == nil {
		return nil, fmt.Errorf("shard router is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxShardTables <= 0 {
		cfg.MaxShardTables = defaultMaxShardTables
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = defaultFanoutConcurrency
	}

	return &QueryService{
		bindings: bindings,
		router:   router,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

func (s *QueryService) SetCache(c cache.Cache) {
	if s == nil {
		return
	}
	s.cache = c
}

// LookupByNumber returns the active binding of number. Hits are served from the
// cache; the Coordinator evicts the key on every write to that number.
func (s *QueryService) LookupByNumber(ctx context.Context, number string) (*domain.Binding, error) {
	number = strings.TrimSpace(number)
	partition, err := s.router.RouteTable(number)
	if err != nil {
		return nil, err
	}

	key := numberCacheKey(number)
	if cached, ok := s.cachedBinding(ctx, key); ok {
		return cached, nil
	}

	binding, err := s.bindings.FindByNumber(ctx, partition, number)
	if err != nil {
		return nil, err
	}

	s.storeBinding(ctx, key, binding)
	return binding, nil
}

// FindLatestByNumber returns the newest record for number in any status.
func (s *QueryService) FindLatestByNumber(ctx context.Context, number string) (*domain.Binding, error) {
	number = strings.TrimSpace(number)
	partition, err := s.router.RouteTable(number)
	if err != nil {
		return nil, err
	}
	return s.bindings.FindLatestByNumber(ctx, partition, number)
}

func (s *QueryService) FindByNumberAndIMSI(ctx context.Context, number, imsi string) (*domain.Binding, error) {
	number = strings.TrimSpace(number)
	partition, err := s.router.RouteTable(number)
	if err != nil {
		return nil, err
	}
	return s.bindings.FindByNumberAndIMSI(ctx, partition, number, strings.TrimSpace(imsi))
}

// FindByIMSI searches every catalogued partition for the active binding of imsi.
func (s *QueryService) FindByIMSI(ctx context.Context, imsi string) (*domain.Binding, error) {
	imsi = strings.TrimSpace(imsi)
	if imsi == "" {
		return nil, fmt.Errorf("%w: imsi is required", domain.ErrInvalidInput)
	}

	partitions, err := s.bindings.ListPartitions(ctx, s.cfg.MaxShardTables)
	if err != nil {
		return nil, err
	}
	return findFirst(ctx, partitions, s.cfg.FanoutConcurrency, func(ctx context.Context, p string) (*domain.Binding, error) {
		return s.bindings.FindByIMSI(ctx, p, imsi)
	})
}

// FindByOrderID returns every record created by orderID across partitions.
func (s *QueryService) FindByOrderID(ctx context.Context, orderID int64) ([]domain.Binding, error) {
	partitions, err := s.bindings.ListPartitions(ctx, s.cfg.MaxShardTables)
	if err != nil {
		return nil, err
	}

	perPartition, err := fanOut(ctx, partitions, s.cfg.FanoutConcurrency, func(ctx context.Context, p string) ([]domain.Binding, error) {
		return s.bindings.FindByOrderID(ctx, p, orderID)
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Binding, 0)
	for _, bindings := range perPartition {
		out = append(out, bindings...)
	}
	return out, nil
}

// ListByPrefix pages through records whose number starts with prefix. A prefix
// shorter than the shard prefix spans every matching partition.
func (s *QueryService) ListByPrefix(ctx context.Context, prefix string, params repository.BindingListParams) (*BindingPage, error) {
	known, err := s.bindings.ListPartitions(ctx, s.cfg.MaxShardTables)
	if err != nil {
		return nil, err
	}
	partitions, err := s.router.RoutePrefixRange(prefix, known)
	if err != nil {
		return nil, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = defaultQueryPageSize
	}
	pageSize = min(pageSize, maxQueryPageSize)

	filter := params
	filter.NumberPrefix = strings.TrimSpace(prefix)
	filter.Page, filter.PageSize, filter.Offset, filter.Limit = 0, 0, 0, 0

	counts, err := fanOut(ctx, partitions, s.cfg.FanoutConcurrency, func(ctx context.Context, p string) (int64, error) {
		return s.bindings.Count(ctx, p, filter)
	})
	if err != nil {
		return nil, err
	}

	result := &BindingPage{
		Items:      make([]domain.Binding, 0, pageSize),
		Page:       page,
		PageSize:   pageSize,
		Partitions: partitions,
	}
	for _, c := range counts {
		result.Total += c
	}

	offset := int64(page-1) * int64(pageSize)
	remaining := pageSize
	for i, partition := range partitions {
		if remaining == 0 {
			break
		}
		if offset >= counts[i] {
			offset -= counts[i]
			continue
		}

		window := filter
		window.Offset = int(offset)
		window.Limit = remaining
		items, _, err := s.bindings.List(ctx, partition, window)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", partition, err)
		}
		result.Items = append(result.Items, items...)
		remaining -= len(items)
		offset = 0
	}

	return result, nil
}

// CountByStatus counts BOUND and UNBOUND records per partition, bounded by the
// configured maximum number of partitions, and merges them.
func (s *QueryService) CountByStatus(ctx context.Context) (*StatusReport, error) {
	partitions, err := s.bindings.ListPartitions(ctx, s.cfg.MaxShardTables)
	if err != nil {
		return nil, err
	}

	counts, err := fanOut(ctx, partitions, s.cfg.FanoutConcurrency, func(ctx context.Context, p string) (repository.StatusCounts, error) {
		return s.bindings.CountByStatus(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Partitions: make([]PartitionCounts, 0, len(partitions))}
	for i, partition := range partitions {
		report.Partitions = append(report.Partitions, PartitionCounts{Partition: partition, StatusCounts: counts[i]})
		report.Total = report.Total.Add(counts[i])
	}
	return report, nil
}

func (s *QueryService) cachedBinding(ctx context.Context, key string) (*domain.Binding, bool) {
	if s.cache == nil {
		return nil, false
	}

	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.WithContextLogger(s.logger, ctx).Warn("binding cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var binding domain.Binding
	if err := json.Unmarshal(raw, &binding); err != nil {
		_ = s.cache.Remove(ctx, key)
		return nil, false
	}
	return &binding, true
}

func (s *QueryService) storeBinding(ctx context.Context, key string, binding *domain.Binding) {
	if s.cache == nil || binding == nil {
		return
	}

	raw, err := json.Marshal(binding)
	if err != nil {
		return
	}
	if err := s.cache.Put(ctx, key, raw); err != nil && !errors.Is(err, context.Canceled) {
		observability.WithContextLogger(s.logger, ctx).Warn("binding cache write failed", zap.String("key", key), zap.Error(err))
	}
}
