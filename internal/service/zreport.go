package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"stockbook/backend/internal/cache"
	"stockbook/backend/internal/domain"
	"stockbook/backend/internal/lock"
	"stockbook/backend/internal/store"
	"stockbook/backend/internal/xid"
)

const generationLockKey = "stockbook:zreport:generate"

// GenerateZReport closes every pending sale into a new report. Each sale is
// claimed by exactly one report even when generations race: the store only
// flips sales that are still pending, and the report carries the subset this
// call won. ErrNoNewSales means nothing was written.
func (s *Service) GenerateZReport(ctx context.Context) (domain.ZReportResult, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.ZReportResult{}, err
	}

	lease, err := s.locker.Obtain(ctx, generationLockKey, s.lockTTL)
	switch {
	case errors.Is(err, lock.ErrNotObtained):
		return domain.ZReportResult{}, fmt.Errorf("%w: z-report generation already in progress", store.ErrConflict)
	case err != nil:
		log.Warn().Err(err).Msg("[service] could not obtain generation lock; proceeding without it")
	default:
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("[service] failed to release generation lock")
			}
		}()
	}

	sales, err := s.repo.ListSales(ctx)
	if err != nil {
		return domain.ZReportResult{}, err
	}

	pending := make([]domain.SaleRecord, 0, len(sales))
	var expectedCents int64
	for _, sale := range sales {
		if sale.Inclusion.Included() {
			continue
		}
		pending = append(pending, sale)
		expectedCents += sale.TotalCents
	}
	if len(pending) == 0 {
		return domain.ZReportResult{}, store.ErrNoNewSales
	}

	report, err := s.repo.CloseZReport(ctx, domain.ZReport{
		ID:          xid.New("zr"),
		GeneratedBy: actor.Username,
		TotalCents:  expectedCents,
		Sales:       pending,
	})
	if err != nil {
		return domain.ZReportResult{}, err
	}
	s.invalidateReportList(ctx)

	if len(report.Sales) != len(pending) {
		log.Warn().
			Int("pending", len(pending)).
			Int("claimed", len(report.Sales)).
			Str("report", report.ID).
			Msg("[service] concurrent generation claimed part of the pending sales")
	}
	s.logAudit(ctx, "zreport_generate", report.ID, fmt.Sprintf("sales=%d,total=%d", len(report.Sales), report.TotalCents))

	return domain.ZReportResult{
		Report:        *report,
		IncludedCount: len(report.Sales),
		TotalCents:    report.TotalCents,
		Total:         domain.FormatCents(report.TotalCents),
	}, nil
}

// ListZReports returns reports newest first with their grand total.
func (s *Service) ListZReports(ctx context.Context) (domain.ZReportListResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.ZReportListResponse{}, err
	}

	// The version is read before the store so a list loaded ahead of a
	// concurrent generation lands under a key that generation retires.
	version, versionErr := s.reportCache.Version(ctx)
	if versionErr != nil {
		log.Warn().Err(versionErr).Msg("[service] report cache version read failed")
	} else {
		cached, hit, err := s.reportCache.Get(ctx, cache.ListKey(version))
		if err != nil {
			log.Warn().Err(err).Msg("[service] report cache read failed")
		} else if hit && cached != nil {
			return *cached, nil
		}
	}

	reports, err := s.repo.ListZReports(ctx)
	if err != nil {
		return domain.ZReportListResponse{}, err
	}

	resp := domain.ZReportListResponse{Reports: reports}
	for _, report := range reports {
		resp.GrandTotalCents += report.TotalCents
	}
	resp.GrandTotal = domain.FormatCents(resp.GrandTotalCents)

	if versionErr == nil {
		if err := s.reportCache.Set(ctx, cache.ListKey(version), &resp, s.reportCacheTTL); err != nil {
			log.Warn().Err(err).Msg("[service] report cache write failed")
		}
	}
	return resp, nil
}

func (s *Service) GetZReport(ctx context.Context, reportID string) (domain.ZReport, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.ZReport{}, err
	}
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return domain.ZReport{}, validationError("report id is required")
	}

	report, err := s.repo.GetZReport(ctx, reportID)
	if err != nil {
		return domain.ZReport{}, err
	}
	return *report, nil
}

func (s *Service) invalidateReportList(ctx context.Context) {
	if err := s.reportCache.Bump(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("[service] report cache invalidation failed")
	}
}
