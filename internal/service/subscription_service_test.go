package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/internal/model"
	"github.com/qs3c/pay_go_server/internal/repository"
	"github.com/qs3c/pay_go_server/internal/testutil"
)

func setupSubscription(t *testing.T) (*SubscriptionService, *gorm.DB) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	cfg := paymentTestConfig()
	svc := NewSubscriptionService(NewCatalogService(cfg),
		repository.NewSubscriptionRepository(db),
		repository.NewPaymentTokenRepository(db),
		repository.NewPaymentRecordRepository(db))

	return svc, db
}

func TestSubscriptionService_GetSummary(t *testing.T) {
	svc, db := setupSubscription(t)

	user := testutil.TestUser(t, db)
	testutil.TestSubscription(t, db, user.ID, testutil.WithSubPlan("monthly"))

	summary, err := svc.GetSummary(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "monthly", summary.PlanID)
	assert.Equal(t, "月度订阅", summary.PlanName)
	assert.Equal(t, model.SubStatusActive, summary.Status)
}

func TestSubscriptionService_GetSummary_NoSubscription(t *testing.T) {
	svc, db := setupSubscription(t)

	user := testutil.TestUser(t, db)
	_, err := svc.GetSummary(user.ID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestSubscriptionService_Cancel(t *testing.T) {
	svc, db := setupSubscription(t)

	user := testutil.TestUser(t, db)
	testutil.TestSubscription(t, db, user.ID)

	summary, err := svc.Cancel(user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusCancelled, summary.Status)
	assert.NotNil(t, summary.CancelledAt)
	// 下次扣款时间保留，恢复时复用
	assert.NotNil(t, summary.NextChargeAt)

	// 重复取消报重复操作
	_, err = svc.Cancel(user.ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
}

func TestSubscriptionService_Cancelled_NotDueForCharge(t *testing.T) {
	svc, db := setupSubscription(t)

	user := testutil.TestUser(t, db)
	past := time.Now().Add(-time.Hour)
	testutil.TestSubscription(t, db, user.ID, testutil.WithNextChargeAt(&past))

	_, err := svc.Cancel(user.ID)
	require.NoError(t, err)

	// 已取消的订阅不会被续费扫描选中
	due, err := repository.NewSubscriptionRepository(db).ListDueForCharge(time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSubscriptionService_Reactivate(t *testing.T) {
	svc, db := setupSubscription(t)

	user := testutil.TestUser(t, db)
	testutil.TestSubscription(t, db, user.ID)

	_, err := svc.Cancel(user.ID)
	require.NoError(t, err)

	summary, err := svc.Reactivate(user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusActive, summary.Status)
	assert.Nil(t, summary.CancelledAt)
}

func TestSubscriptionService_Reactivate_WithinTrial(t *testing.T) {
	svc, db := setupSubscription(t)

	user := testutil.TestUser(t, db)
	trialEnds := time.Now().AddDate(0, 0, 10)
	testutil.TestSubscription(t, db, user.ID,
		testutil.WithSubStatus(model.SubStatusTrial),
		testutil.WithTrialEndsAt(&trialEnds))

	_, err := svc.Cancel(user.ID)
	require.NoError(t, err)

	// 试用期内恢复回到 trial 而不是 active
	summary, err := svc.Reactivate(user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusTrial, summary.Status)
}

func TestSubscriptionService_Reactivate_NotCancelled(t *testing.T) {
	svc, db := setupSubscription(t)

	user := testutil.TestUser(t, db)
	testutil.TestSubscription(t, db, user.ID)

	_, err := svc.Reactivate(user.ID)
	assert.ErrorIs(t, err, ErrNotCancelled)
}

func TestSubscriptionService_RemoveToken(t *testing.T) {
	svc, db := setupSubscription(t)

	user := testutil.TestUser(t, db)
	testutil.TestToken(t, db, user.ID)

	removed, err := svc.RemoveToken(user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = repository.NewPaymentTokenRepository(db).GetActiveByUserID(user.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// 再次解绑没有可解的令牌
	removed, err = svc.RemoveToken(user.ID)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSubscriptionService_ListPayments(t *testing.T) {
	svc, db := setupSubscription(t)

	user := testutil.TestUser(t, db)
	recordRepo := repository.NewPaymentRecordRepository(db)
	for i := 0; i < 3; i++ {
		require.NoError(t, recordRepo.Create(&model.PaymentRecord{
			UserID:   &user.ID,
			PlanID:   "annual",
			Kind:     model.RecordKindRenewal,
			Result:   model.RecordResultSuccess,
			Amount:   99.00,
			Currency: "USD",
		}))
	}

	items, err := svc.ListPayments(user.ID, 10)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, model.RecordKindRenewal, items[0].Kind)
}
