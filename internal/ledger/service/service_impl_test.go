package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/pagebill/internal/clock"
	"github.com/smallbiznis/pagebill/internal/config"
	jobdomain "github.com/smallbiznis/pagebill/internal/job/domain"
	jobrepo "github.com/smallbiznis/pagebill/internal/job/repository"
	ledgerdomain "github.com/smallbiznis/pagebill/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/pagebill/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/pagebill/internal/ledger/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   ledgerdomain.Service
}

func newFixture(t *testing.T, credits config.CreditsConfig) fixture {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	fake := clock.NewFakeClock(testNow)
	svc := ledgerservice.NewService(ledgerservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Cfg:     config.Config{Credits: credits},
		Repo:    ledgerrepo.Provide(),
		JobRepo: jobrepo.Provide(),
	})
	return fixture{db: db, clock: fake, svc: svc}
}

func subscriptionGrant(userID, ref string, pages int64, expires time.Time) ledgerdomain.Grant {
	return ledgerdomain.Grant{
		UserID:         userID,
		Pages:          pages,
		Reason:         ledgerdomain.ReasonPurchase,
		SourceType:     ledgerdomain.SourceTypeSubscription,
		ReferenceID:    ledgerdomain.StringPtr(ref),
		ExpiresAt:      &expires,
		IdempotencyKey: ref,
	}
}

func TestGrantIsIdempotentByKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 10})
	grant := subscriptionGrant("user-1", "sub_1", 100, testNow.AddDate(0, 1, 0))

	res, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{grant})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	require.Equal(t, int64(1), res.Inserted)

	res, err = f.svc.Grant(ctx, nil, []ledgerdomain.Grant{grant, grant})
	if err != nil {
		t.Fatalf("repeat grant: %v", err)
	}
	require.Equal(t, int64(0), res.Inserted)
	require.Equal(t, int64(2), res.Skipped)

	assertCount(t, f.db, "SELECT COUNT(1) FROM ledger_entries", 1)

	balance, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance.Total)
}

func TestGrantValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{})

	cases := []struct {
		name  string
		grant ledgerdomain.Grant
		err   error
	}{
		{"missing user", ledgerdomain.Grant{Pages: 1, Reason: ledgerdomain.ReasonPurchase, SourceType: ledgerdomain.SourceTypeBundle, ReferenceID: ledgerdomain.StringPtr("b")}, ledgerdomain.ErrInvalidUser},
		{"download reason", ledgerdomain.Grant{UserID: "u", Pages: 1, Reason: ledgerdomain.ReasonDownload, SourceType: ledgerdomain.SourceTypeBundle, ReferenceID: ledgerdomain.StringPtr("b")}, ledgerdomain.ErrInvalidReason},
		{"unknown source", ledgerdomain.Grant{UserID: "u", Pages: 1, Reason: ledgerdomain.ReasonPurchase, SourceType: "CARD", ReferenceID: ledgerdomain.StringPtr("b")}, ledgerdomain.ErrInvalidSourceType},
		{"negative purchase", ledgerdomain.Grant{UserID: "u", Pages: -1, Reason: ledgerdomain.ReasonPurchase, SourceType: ledgerdomain.SourceTypeBundle, ReferenceID: ledgerdomain.StringPtr("b")}, ledgerdomain.ErrInvalidPages},
		{"missing reference", ledgerdomain.Grant{UserID: "u", Pages: 1, Reason: ledgerdomain.ReasonPurchase, SourceType: ledgerdomain.SourceTypeBundle}, ledgerdomain.ErrInvalidReference},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{tc.grant})
			require.ErrorIs(t, err, tc.err)
		})
	}
	assertCount(t, f.db, "SELECT COUNT(1) FROM ledger_entries", 0)
}

func TestGrantNegativeUpgradeDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 10})
	expires := testNow.AddDate(0, 1, 0)

	_, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{subscriptionGrant("user-1", "sub_1", 500, expires)})
	require.NoError(t, err)

	_, err = f.svc.Grant(ctx, nil, []ledgerdomain.Grant{{
		UserID:         "user-1",
		Pages:          -500,
		Reason:         ledgerdomain.ReasonUpgrade,
		SourceType:     ledgerdomain.SourceTypeSubscription,
		ReferenceID:    ledgerdomain.StringPtr("sub_1"),
		ExpiresAt:      &expires,
		IdempotencyKey: "sub_1:change:evt_1",
	}})
	require.NoError(t, err)

	balance, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Total)
}

func TestChargeJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 10})
	seedJob(t, f.db, "job-1", "user-1", jobdomain.StatusSuccess, 30)

	_, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{subscriptionGrant("user-1", "sub_1", 100, testNow.AddDate(0, 1, 0))})
	require.NoError(t, err)

	res, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1"})
	if err != nil {
		t.Fatalf("charge job: %v", err)
	}
	require.False(t, res.AlreadyCharged)
	require.Equal(t, int64(30), res.PagesRequested)
	require.Equal(t, int64(30), res.PagesDeducted)
	require.Len(t, res.Entries, 1)

	balance, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(70), balance.Total)

	again, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1"})
	require.NoError(t, err)
	require.True(t, again.AlreadyCharged)
	require.Equal(t, int64(30), again.PagesDeducted)

	assertCount(t, f.db, "SELECT COUNT(1) FROM ledger_entries WHERE reason = 'DOWNLOAD'", 1)
	assertCount(t, f.db, "SELECT COUNT(1) FROM job_charges", 1)
}

func TestChargeJobSpansLotsInExpiryOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 0})
	seedJob(t, f.db, "job-1", "user-1", jobdomain.StatusSuccess, 50)

	_, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{
		subscriptionGrant("user-1", "sub_1", 100, testNow.AddDate(0, 1, 0)),
		{
			UserID:         "user-1",
			Pages:          20,
			Reason:         ledgerdomain.ReasonPurchase,
			SourceType:     ledgerdomain.SourceTypeBundle,
			ReferenceID:    ledgerdomain.StringPtr("bundle_1"),
			ExpiresAt:      ptrTime(testNow.AddDate(0, 0, 7)),
			IdempotencyKey: "cap_1:0",
		},
	})
	require.NoError(t, err)

	res, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1", Pages: 50})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	require.Equal(t, "bundle_1", *res.Entries[0].ReferenceID)
	require.Equal(t, int64(-20), res.Entries[0].Change)
	require.Equal(t, "sub_1", *res.Entries[1].ReferenceID)
	require.Equal(t, int64(-30), res.Entries[1].Change)

	balance, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(70), balance.Total)
	require.Len(t, balance.Lots, 2)
}

func TestChargeJobOveruseRejectedLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 10})
	seedJob(t, f.db, "job-1", "user-1", jobdomain.StatusSuccess, 16)

	_, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{subscriptionGrant("user-1", "sub_1", 5, testNow.AddDate(0, 1, 0))})
	require.NoError(t, err)

	_, err = f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1"})
	require.ErrorIs(t, err, ledgerdomain.ErrOveruseLimitExceeded)

	var overuse *ledgerdomain.OveruseLimitExceededError
	require.True(t, errors.As(err, &overuse))
	require.Equal(t, int64(11), overuse.Shortfall)

	assertCount(t, f.db, "SELECT COUNT(1) FROM ledger_entries WHERE reason = 'DOWNLOAD'", 0)
	assertCount(t, f.db, "SELECT COUNT(1) FROM job_charges", 0)
}

func TestChargeJobAbsorbsShortfallWithinLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 10})
	seedJob(t, f.db, "job-1", "user-1", jobdomain.StatusSuccess, 12)

	_, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{subscriptionGrant("user-1", "sub_1", 5, testNow.AddDate(0, 1, 0))})
	require.NoError(t, err)

	res, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, int64(5), res.PagesDeducted)
	require.Equal(t, int64(7), res.Shortfall)

	balance, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Total)
}

func TestChargeJobRejectsForeignAndPendingJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 10})
	seedJob(t, f.db, "job-1", "user-1", jobdomain.StatusSuccess, 1)
	seedJob(t, f.db, "job-2", "user-1", jobdomain.StatusProcessing, 1)

	_, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-2", JobID: "job-1"})
	require.ErrorIs(t, err, jobdomain.ErrJobNotFound)

	_, err = f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "missing"})
	require.ErrorIs(t, err, jobdomain.ErrJobNotFound)

	_, err = f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-2"})
	require.ErrorIs(t, err, jobdomain.ErrJobNotReady)

	_, err = f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1", Pages: -1})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidPages)
}

func TestChargeJobBillsTheWholeJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 10})
	seedJob(t, f.db, "job-1", "user-1", jobdomain.StatusSuccess, 500)
	seedJob(t, f.db, "job-2", "user-1", jobdomain.StatusSuccess, 0)

	_, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{subscriptionGrant("user-1", "sub_1", 1000, testNow.AddDate(0, 1, 0))})
	require.NoError(t, err)

	for _, pages := range []int64{1, 499, 501} {
		_, err = f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1", Pages: pages})
		require.ErrorIs(t, err, ledgerdomain.ErrInvalidPages, "pages=%d", pages)
	}
	assertCount(t, f.db, "SELECT COUNT(1) FROM job_charges", 0)

	_, err = f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-2"})
	require.ErrorIs(t, err, jobdomain.ErrJobNotReady)

	res, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1", Pages: 500})
	require.NoError(t, err)
	require.Equal(t, int64(500), res.PagesDeducted)

	again, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1"})
	require.NoError(t, err)
	require.True(t, again.AlreadyCharged)

	balance, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), balance.Total)
}

func TestChargeJobHonoursDeductionsWithoutChargeRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 10})
	seedJob(t, f.db, "job-1", "user-1", jobdomain.StatusSuccess, 30)

	_, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{subscriptionGrant("user-1", "sub_1", 100, testNow.AddDate(0, 1, 0))})
	require.NoError(t, err)
	require.NoError(t, f.db.Exec(
		`INSERT INTO ledger_entries (id, user_id, change, reason, source_type, reference_id, job_id, idempotency_key, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		1, "user-1", -30, "DOWNLOAD", "SUBSCRIPTION", "sub_1", "job-1", "job-1:download:0", testNow, testNow.AddDate(0, 1, 0),
	).Error)

	res, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1"})
	require.NoError(t, err)
	require.True(t, res.AlreadyCharged)
	assertCount(t, f.db, "SELECT COUNT(1) FROM ledger_entries WHERE reason = 'DOWNLOAD'", 1)

	balance, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(70), balance.Total)
}

func TestGrantedReportsExistingKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{})

	ok, err := f.svc.Granted(ctx, nil, "sub_1")
	require.NoError(t, err)
	require.False(t, ok)

	res, err := f.svc.Grant(ctx, nil, []ledgerdomain.Grant{subscriptionGrant("user-1", "sub_1", 100, testNow.AddDate(0, 1, 0))})
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Pages)

	ok, err = f.svc.Granted(ctx, nil, "sub_1")
	require.NoError(t, err)
	require.True(t, ok)

	res, err = f.svc.Grant(ctx, nil, []ledgerdomain.Grant{subscriptionGrant("user-1", "sub_1", 100, testNow.AddDate(0, 1, 0))})
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Pages)
}

func TestConcurrentChargesPersistOneSetOfEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 10})
	sqlDB, err := f.db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	seedJob(t, f.db, "job-1", "user-1", jobdomain.StatusSuccess, 40)
	_, err = f.svc.Grant(ctx, nil, []ledgerdomain.Grant{subscriptionGrant("user-1", "sub_1", 100, testNow.AddDate(0, 1, 0))})
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1"})
			if err != nil {
				t.Errorf("charge job: %v", err)
				return
			}
			if !res.AlreadyCharged {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, charged)
	assertCount(t, f.db, "SELECT COUNT(1) FROM ledger_entries WHERE reason = 'DOWNLOAD'", 1)

	balance, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(60), balance.Total)
}

func TestMonthlyFreePagesGrantedOncePerMonth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 0, FreeMonthlyPages: 50})

	balance, err := f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance.Total)
	require.Len(t, balance.Lots, 1)
	require.Equal(t, ledgerdomain.SourceTypeFreeMonthly, balance.Lots[0].SourceType)
	require.True(t, balance.Lots[0].ExpiresAt.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))

	balance, err = f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance.Total)

	f.clock.Set(time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))
	balance, err = f.svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), balance.Total)
	assertCount(t, f.db, "SELECT COUNT(1) FROM ledger_entries WHERE reason = 'MONTHLY_FREE'", 2)
}

func TestChargeJobUsesMonthlyFreePages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.CreditsConfig{OveruseLimit: 0, FreeMonthlyPages: 10})
	seedJob(t, f.db, "job-1", "user-1", jobdomain.StatusSuccess, 8)

	res, err := f.svc.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, int64(8), res.PagesDeducted)
	require.Equal(t, ledgerdomain.SourceTypeFreeMonthly, res.Entries[0].SourceType)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE ledger_entries (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			change BIGINT NOT NULL,
			reason TEXT NOT NULL,
			source_type TEXT NOT NULL,
			reference_id TEXT,
			job_id TEXT,
			idempotency_key TEXT,
			created_at DATETIME NOT NULL,
			expires_at DATETIME
		)`,
		`CREATE UNIQUE INDEX ux_ledger_entries_idempotency_key ON ledger_entries(idempotency_key)`,
		`CREATE TABLE job_charges (
			job_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			pages_requested BIGINT NOT NULL,
			pages_deducted BIGINT NOT NULL,
			shortfall BIGINT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			source_key TEXT,
			result_s3_path TEXT,
			num_pages BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func seedJob(t *testing.T, db *gorm.DB, id, userID string, status jobdomain.Status, pages int64) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO jobs (id, user_id, status, source_key, result_s3_path, num_pages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, status, "uploads/"+id, "results/"+id+".jsonl", pages, testNow, testNow,
	).Error
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func assertCount(t *testing.T, db *gorm.DB, query string, expected int64) {
	t.Helper()

	var count int64
	if err := db.Raw(query).Scan(&count).Error; err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != expected {
		t.Fatalf("expected %d, got %d", expected, count)
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
