package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pagebill/internal/clock"
	"github.com/smallbiznis/pagebill/internal/config"
	"github.com/smallbiznis/pagebill/internal/events"
	jobdomain "github.com/smallbiznis/pagebill/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/pagebill/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/pagebill/internal/observability/metrics"
	"github.com/smallbiznis/pagebill/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Repo       ledgerdomain.Repository
	JobRepo    jobdomain.Repository
	Guard      *ratelimit.Guard    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Publisher  events.Publisher    `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         ledgerdomain.Repository
	jobRepo      jobdomain.Repository
	guard        *ratelimit.Guard
	obsMetrics   *obsmetrics.Metrics
	publisher    events.Publisher
	overuseLimit int64
	freeMonthly  int64
}

func NewService(p Params) ledgerdomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher(p.Log)
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("ledger.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		jobRepo:      p.JobRepo,
		guard:        p.Guard,
		obsMetrics:   p.ObsMetrics,
		publisher:    publisher,
		overuseLimit: p.Cfg.Credits.OveruseLimit,
		freeMonthly:  p.Cfg.Credits.FreeMonthlyPages,
	}
}

func (s *Service) Grant(ctx context.Context, tx *gorm.DB, grants []ledgerdomain.Grant) (ledgerdomain.GrantResult, error) {
	if tx == nil {
		var result ledgerdomain.GrantResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = s.grant(ctx, tx, grants)
			return err
		})
		if err != nil {
			return ledgerdomain.GrantResult{}, err
		}
		return result, nil
	}
	return s.grant(ctx, tx, grants)
}

func (s *Service) grant(ctx context.Context, tx *gorm.DB, grants []ledgerdomain.Grant) (ledgerdomain.GrantResult, error) {
	var result ledgerdomain.GrantResult
	if len(grants) == 0 {
		return result, nil
	}

	now := s.clock.Now()
	seen := map[string]struct{}{}
	entries := make([]ledgerdomain.LedgerEntry, 0, len(grants))
	for _, grant := range grants {
		if err := validateGrant(grant); err != nil {
			return ledgerdomain.GrantResult{}, err
		}
		if grant.Pages == 0 {
			result.Skipped++
			continue
		}

		key := strings.TrimSpace(grant.IdempotencyKey)
		if key != "" {
			if _, ok := seen[key]; ok {
				result.Skipped++
				continue
			}
			seen[key] = struct{}{}

			existing, err := s.repo.FindByReference(ctx, tx, key)
			if err != nil {
				return ledgerdomain.GrantResult{}, err
			}
			if existing != nil {
				result.Skipped++
				continue
			}
		}

		entries = append(entries, ledgerdomain.LedgerEntry{
			ID:             s.genID.Generate(),
			UserID:         strings.TrimSpace(grant.UserID),
			Change:         grant.Pages,
			Reason:         grant.Reason,
			SourceType:     grant.SourceType,
			ReferenceID:    grant.ReferenceID,
			IdempotencyKey: ledgerdomain.StringPtr(key),
			CreatedAt:      now,
			ExpiresAt:      utcPtr(grant.ExpiresAt),
		})
	}

	inserted, err := s.repo.Append(ctx, tx, entries)
	if err != nil {
		return ledgerdomain.GrantResult{}, err
	}
	written := entries
	if inserted < int64(len(entries)) {
		if written, err = s.writtenEntries(ctx, tx, entries); err != nil {
			return ledgerdomain.GrantResult{}, err
		}
	}
	result.Inserted = inserted
	result.Skipped += int64(len(entries)) - inserted

	for _, entry := range written {
		result.Pages += entry.Change
		s.obsMetrics.RecordCreditsGranted(ctx, string(entry.Reason), entry.Change)
	}
	if inserted > 0 {
		s.log.Debug("credits granted",
			zap.Int64("inserted", inserted),
			zap.Int64("skipped", result.Skipped),
			zap.Int64("pages", result.Pages),
		)
	}
	return result, nil
}

// writtenEntries keeps the entries that own their idempotency key after an
// append that lost some keys to concurrent writers.
func (s *Service) writtenEntries(ctx context.Context, tx *gorm.DB, entries []ledgerdomain.LedgerEntry) ([]ledgerdomain.LedgerEntry, error) {
	written := make([]ledgerdomain.LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IdempotencyKey == nil {
			written = append(written, entry)
			continue
		}
		stored, err := s.repo.FindByReference(ctx, tx, *entry.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if stored != nil && stored.ID == entry.ID {
			written = append(written, entry)
		}
	}
	return written, nil
}

func (s *Service) Granted(ctx context.Context, tx *gorm.DB, idempotencyKey string) (bool, error) {
	if tx == nil {
		tx = s.db
	}
	entry, err := s.repo.FindByReference(ctx, tx, strings.TrimSpace(idempotencyKey))
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

func validateGrant(grant ledgerdomain.Grant) error {
	if strings.TrimSpace(grant.UserID) == "" {
		return ledgerdomain.ErrInvalidUser
	}
	if !grant.Reason.Valid() || grant.Reason == ledgerdomain.ReasonDownload {
		return ledgerdomain.ErrInvalidReason
	}
	if !grant.SourceType.Valid() {
		return ledgerdomain.ErrInvalidSourceType
	}
	if grant.Pages < 0 && grant.Reason != ledgerdomain.ReasonUpgrade {
		return ledgerdomain.ErrInvalidPages
	}
	if grant.ReferenceID == nil || strings.TrimSpace(*grant.ReferenceID) == "" {
		return ledgerdomain.ErrInvalidReference
	}
	return nil
}

func (s *Service) ChargeJob(ctx context.Context, req ledgerdomain.ChargeJobRequest) (ledgerdomain.ChargeJobResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledgerdomain.ChargeJobResult{}, ledgerdomain.ErrInvalidUser
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		return ledgerdomain.ChargeJobResult{}, ledgerdomain.ErrInvalidJob
	}
	if req.Pages < 0 {
		return ledgerdomain.ChargeJobResult{}, ledgerdomain.ErrInvalidPages
	}

	job, err := s.jobRepo.FindByID(ctx, s.db, jobID)
	if err != nil {
		return ledgerdomain.ChargeJobResult{}, err
	}
	if job == nil || job.UserID != userID {
		return ledgerdomain.ChargeJobResult{}, jobdomain.ErrJobNotFound
	}
	if job.Status != jobdomain.StatusSuccess {
		return ledgerdomain.ChargeJobResult{}, jobdomain.ErrJobNotReady
	}

	if job.NumPages <= 0 {
		return ledgerdomain.ChargeJobResult{}, jobdomain.ErrJobNotReady
	}
	pages := job.NumPages
	if req.Pages != 0 && req.Pages != pages {
		return ledgerdomain.ChargeJobResult{}, ledgerdomain.ErrInvalidPages
	}

	existing, err := s.repo.FindJobCharge(ctx, s.db, jobID)
	if err != nil {
		return ledgerdomain.ChargeJobResult{}, err
	}
	if existing != nil {
		return alreadyCharged(existing), nil
	}

	token, locked, err := s.guard.TryLockUser(ctx, userID)
	if err != nil {
		return ledgerdomain.ChargeJobResult{}, err
	}
	if !locked {
		return ledgerdomain.ChargeJobResult{}, ledgerdomain.ErrChargeInProgress
	}
	defer func() {
		if err := s.guard.ReleaseUser(context.WithoutCancel(ctx), userID, token); err != nil {
			s.log.Warn("failed to release charge lock", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	now := s.clock.Now()
	var result ledgerdomain.ChargeJobResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		charge := &ledgerdomain.JobCharge{
			JobID:          jobID,
			UserID:         userID,
			PagesRequested: pages,
			CreatedAt:      now,
		}
		claimed, err := s.repo.ClaimJobCharge(ctx, tx, charge)
		if err != nil {
			return err
		}
		if !claimed {
			prior, err := s.repo.FindJobCharge(ctx, tx, jobID)
			if err != nil {
				return err
			}
			if prior == nil {
				return ledgerdomain.ErrChargeInProgress
			}
			result = alreadyCharged(prior)
			return nil
		}

		// Deductions written before the claim row existed still count as the charge.
		prior, err := s.repo.CountDeductionsForJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if prior > 0 {
			s.log.Warn("job has deductions without a charge record",
				zap.String("job_id", jobID),
				zap.Int64("entries", prior),
			)
			result = ledgerdomain.ChargeJobResult{JobID: jobID, PagesRequested: pages, AlreadyCharged: true}
			return nil
		}

		if s.freeMonthly > 0 {
			if _, err := s.grant(ctx, tx, []ledgerdomain.Grant{s.monthlyFreeGrant(userID, now)}); err != nil {
				return err
			}
		}

		lots, err := s.repo.RemainingLots(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		plan, err := ledgerdomain.PlanConsumption(lots, pages, s.overuseLimit)
		if err != nil {
			return err
		}

		for i := range plan.Entries {
			entry := &plan.Entries[i]
			entry.ID = s.genID.Generate()
			entry.UserID = userID
			entry.JobID = ledgerdomain.StringPtr(jobID)
			entry.IdempotencyKey = ledgerdomain.StringPtr(fmt.Sprintf("%s:download:%d", jobID, i))
			entry.CreatedAt = now
		}
		if _, err := s.repo.Append(ctx, tx, plan.Entries); err != nil {
			return err
		}

		charge.PagesDeducted = plan.Deducted
		charge.Shortfall = plan.Shortfall
		if err := s.repo.UpdateJobCharge(ctx, tx, charge); err != nil {
			return err
		}

		result = ledgerdomain.ChargeJobResult{
			JobID:          jobID,
			PagesRequested: pages,
			PagesDeducted:  plan.Deducted,
			Shortfall:      plan.Shortfall,
			Entries:        plan.Entries,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrOveruseLimitExceeded) {
			s.obsMetrics.RecordOveruseRejected(ctx)
			s.log.Info("download rejected over overuse limit",
				zap.String("user_id", userID),
				zap.String("job_id", jobID),
				zap.Int64("pages", pages),
			)
		}
		return ledgerdomain.ChargeJobResult{}, err
	}

	if result.AlreadyCharged {
		return result, nil
	}

	s.obsMetrics.RecordPagesConsumed(ctx, result.PagesDeducted)
	if err := s.publisher.Publish(ctx, events.TopicCreditsConsumed, userID, result); err != nil {
		s.log.Warn("failed to publish credits consumed", zap.String("job_id", jobID), zap.Error(err))
	}
	s.log.Info("job charged",
		zap.String("user_id", userID),
		zap.String("job_id", jobID),
		zap.Int64("pages_deducted", result.PagesDeducted),
		zap.Int64("shortfall", result.Shortfall),
	)
	return result, nil
}

func (s *Service) Balance(ctx context.Context, userID string) (ledgerdomain.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidUser
	}

	now := s.clock.Now()
	if s.freeMonthly > 0 {
		if _, err := s.Grant(ctx, nil, []ledgerdomain.Grant{s.monthlyFreeGrant(userID, now)}); err != nil {
			return ledgerdomain.Balance{}, err
		}
	}

	lots, err := s.repo.RemainingLots(ctx, s.db, userID, now)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	return ledgerdomain.Balance{
		UserID: userID,
		Total:  ledgerdomain.TotalBalance(lots),
		Lots:   lots,
	}, nil
}

// monthlyFreeGrant covers the calendar month (UTC) containing now.
func (s *Service) monthlyFreeGrant(userID string, now time.Time) ledgerdomain.Grant {
	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	nextMonth := monthStart.AddDate(0, 1, 0)
	key := fmt.Sprintf("free_monthly:%s:%s", userID, now.Format("2006-01"))
	return ledgerdomain.Grant{
		UserID:         userID,
		Pages:          s.freeMonthly,
		Reason:         ledgerdomain.ReasonMonthlyFree,
		SourceType:     ledgerdomain.SourceTypeFreeMonthly,
		ReferenceID:    ledgerdomain.StringPtr(key),
		ExpiresAt:      &nextMonth,
		IdempotencyKey: key,
	}
}

func alreadyCharged(charge *ledgerdomain.JobCharge) ledgerdomain.ChargeJobResult {
	return ledgerdomain.ChargeJobResult{
		JobID:          charge.JobID,
		PagesRequested: charge.PagesRequested,
		PagesDeducted:  charge.PagesDeducted,
		Shortfall:      charge.Shortfall,
		AlreadyCharged: true,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
