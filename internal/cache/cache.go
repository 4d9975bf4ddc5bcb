package cache

import (
	"context"
	"strconv"
	"time"

	"stockbook/backend/internal/domain"
)

const (
	ZReportListKey    = "stockbook:zreports:list"
	ZReportVersionKey = "stockbook:zreports:version"
)

// ReportCache holds the rendered Z-report list between generations. Entries
// are keyed by a generation counter: Bump moves readers to a fresh key, so a
// list computed before a generation can never be served after it.
type ReportCache interface {
	Version(ctx context.Context) (int64, error)
	Bump(ctx context.Context) error
	Get(ctx context.Context, key string) (*domain.ZReportListResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.ZReportListResponse, ttl time.Duration) error
}

// ListKey is the report-list key for the given cache version.
func ListKey(version int64) string {
	return ZReportListKey + ":" + strconv.FormatInt(version, 10)
}

type NoopReportCache struct{}

func (NoopReportCache) Version(_ context.Context) (int64, error) {
	return 0, nil
}

func (NoopReportCache) Bump(_ context.Context) error {
	return nil
}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.ZReportListResponse, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.ZReportListResponse, _ time.Duration) error {
	return nil
}
