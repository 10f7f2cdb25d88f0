package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/pay_go_server/config"
	"github.com/qs3c/pay_go_server/internal/gateway"
	"github.com/qs3c/pay_go_server/internal/model"
	"github.com/qs3c/pay_go_server/internal/pkg/events"
	"github.com/qs3c/pay_go_server/internal/pkg/queue"
	"github.com/qs3c/pay_go_server/internal/repository"
	"github.com/qs3c/pay_go_server/internal/testutil"
)

// fakeMailer 记录发送调用，测试不触发真实 SMTP
type fakeMailer struct {
	welcomes  []string
	failures  []string
	receipts  []string
	declined  []string
	suspended []string
}

func (m *fakeMailer) SendWelcome(to, firstName string) error {
	m.welcomes = append(m.welcomes, to)
	return nil
}
func (m *fakeMailer) SendReceipt(to, planName string, amount float64, currency string) error {
	m.receipts = append(m.receipts, to)
	return nil
}
func (m *fakeMailer) SendChargeDeclined(to, planName string) error {
	m.declined = append(m.declined, to)
	return nil
}
func (m *fakeMailer) SendSuspended(to, planName string) error {
	m.suspended = append(m.suspended, to)
	return nil
}
func (m *fakeMailer) SendPaymentFailed(to string) error {
	m.failures = append(m.failures, to)
	return nil
}

func paymentTestConfig() *config.Config {
	return &config.Config{
		Finalize: config.FinalizeConfig{
			EmailFallback:        true,
			RegistrationTTLHours: 24,
			SessionTTLHours:      2,
			PollFallbackSeconds:  30,
		},
		Plans: map[string]config.PlanConfig{
			"monthly": {
				DisplayName:         "月度订阅",
				Price:               9.90,
				Currency:            "USD",
				OperationMode:       model.OpCreateTokenOnly,
				TrialDays:           30,
				BillingPeriodMonths: 1,
			},
			"annual": {
				DisplayName:         "年度订阅",
				Price:               99.00,
				Currency:            "USD",
				OperationMode:       model.OpChargeAndCreateToken,
				BillingPeriodMonths: 12,
			},
			"vip": {
				DisplayName:   "终身会员",
				Price:         299.00,
				Currency:      "USD",
				OperationMode: model.OpChargeOnly,
			},
		},
	}
}

type finalizeEnv struct {
	svc       *FinalizeService
	mailer    *fakeMailer
	reconcile *queue.ReconcileLog
	db        *gorm.DB
	cfg       *config.Config
}

func setupFinalize(t *testing.T) *finalizeEnv {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })
	rdb := testutil.SetupTestRedis(t)

	cfg := paymentTestConfig()
	rs := redsync.New(goredis.NewPool(rdb))
	mailer := &fakeMailer{}
	reconcile := queue.NewReconcileLog(rdb, "test_reconcile")

	svc := NewFinalizeService(db, rs, cfg, NewCatalogService(cfg),
		mailer, events.NewPublisher(rdb), reconcile)

	return &finalizeEnv{svc: svc, mailer: mailer, reconcile: reconcile, db: db, cfg: cfg}
}

func successNotification(correlationID, operationMode string) *gateway.Notification {
	n := &gateway.Notification{
		CorrelationID:   correlationID,
		OperationResult: gateway.ResultSuccess,
		OperationMode:   operationMode,
		TransactionID:   "txn-1001",
	}
	if operationMode != model.OpChargeOnly {
		n.Token = "tok_live_abc"
		n.TokenExpiryYear = time.Now().Year() + 3
		n.TokenExpiryMonth = 6
		n.CardBrand = "visa"
		n.CardLastFour = "4242"
	}
	return n
}

func TestFinalizeService_GuestConversion_TrialPlan(t *testing.T) {
	env := setupFinalize(t)

	reg := testutil.TestRegistration(t, env.db, testutil.WithRegEmail("guest@example.com"))
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("monthly", model.OpCreateTokenOnly, 0))

	notif := successNotification(session.CorrelationID, model.OpCreateTokenOnly)
	notif.ReturnValue = gateway.EncodeRegistrationRef(reg.ID)

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, outcome.Status)
	assert.False(t, outcome.Duplicate)
	require.NotNil(t, outcome.UserID)

	// 游客转正式账号
	user, err := repository.NewUserRepository(env.db).GetByEmail("guest@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, *outcome.UserID)

	// 注册记录被消费，一次且仅一次
	freshReg, err := repository.NewTempRegistrationRepository(env.db).GetByID(reg.ID)
	require.NoError(t, err)
	assert.True(t, freshReg.Used)
	require.NotNil(t, freshReg.ResolvedUserID)
	assert.Equal(t, user.ID, *freshReg.ResolvedUserID)

	// 试用订阅：试用结束即首次扣款时间
	sub, err := repository.NewSubscriptionRepository(env.db).GetByUserID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusTrial, sub.Status)
	require.NotNil(t, sub.TrialEndsAt)
	require.NotNil(t, sub.NextChargeAt)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *sub.TrialEndsAt, time.Minute)
	assert.Equal(t, *sub.TrialEndsAt, *sub.NextChargeAt)

	// 扣款令牌已建立
	token, err := repository.NewPaymentTokenRepository(env.db).GetActiveByUserID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok_live_abc", token.Token)

	// 会话终态
	freshSession, err := repository.NewPaymentSessionRepository(env.db).GetByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, freshSession.Status)
	require.NotNil(t, freshSession.ResolvedUserID)
	assert.NotNil(t, freshSession.FinalizedAt)

	// 欢迎邮件
	assert.Equal(t, []string{"guest@example.com"}, env.mailer.welcomes)
}

func TestFinalizeService_DuplicateNotification_NoOp(t *testing.T) {
	env := setupFinalize(t)

	reg := testutil.TestRegistration(t, env.db)
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("monthly", model.OpCreateTokenOnly, 0))

	notif := successNotification(session.CorrelationID, model.OpCreateTokenOnly)
	notif.ReturnValue = gateway.EncodeRegistrationRef(reg.ID)

	first, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, model.SessionStatusCompleted, second.Status)
	require.NotNil(t, second.UserID)
	assert.Equal(t, *first.UserID, *second.UserID)

	// 重放不产生第二个账号、订阅、令牌或流水
	var userCount, subCount, tokenCount, recordCount int64
	env.db.Model(&model.User{}).Count(&userCount)
	env.db.Model(&model.Subscription{}).Count(&subCount)
	env.db.Model(&model.RecurringPaymentToken{}).Count(&tokenCount)
	env.db.Model(&model.PaymentRecord{}).Count(&recordCount)
	assert.Equal(t, int64(1), userCount)
	assert.Equal(t, int64(1), subCount)
	assert.Equal(t, int64(1), tokenCount)
	assert.Equal(t, int64(1), recordCount)

	assert.Len(t, env.mailer.welcomes, 1)
}

func TestFinalizeService_ConcurrentFinalization_SingleWinner(t *testing.T) {
	env := setupFinalize(t)

	reg := testutil.TestRegistration(t, env.db, testutil.WithRegEmail("race@example.com"))
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("monthly", model.OpCreateTokenOnly, 0))

	notif := successNotification(session.CorrelationID, model.OpCreateTokenOnly)
	notif.ReturnValue = gateway.EncodeRegistrationRef(reg.ID)

	// webhook 和轮询兜底可能同时送达同一通知
	const callers = 4
	outcomes := make([]*FinalizeOutcome, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = env.svc.Finalize(context.Background(), notif)
		}(i)
	}
	wg.Wait()

	// 恰好一个赢家，其余拿到幂等结果，且所有人看到同一归属
	winners := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, model.SessionStatusCompleted, outcomes[i].Status)
		require.NotNil(t, outcomes[i].UserID)
		assert.Equal(t, *outcomes[0].UserID, *outcomes[i].UserID)
		if !outcomes[i].Duplicate {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	var userCount, subCount, tokenCount, recordCount int64
	env.db.Model(&model.User{}).Count(&userCount)
	env.db.Model(&model.Subscription{}).Count(&subCount)
	env.db.Model(&model.RecurringPaymentToken{}).Count(&tokenCount)
	env.db.Model(&model.PaymentRecord{}).Count(&recordCount)
	assert.Equal(t, int64(1), userCount)
	assert.Equal(t, int64(1), subCount)
	assert.Equal(t, int64(1), tokenCount)
	assert.Equal(t, int64(1), recordCount)

	assert.Len(t, env.mailer.welcomes, 1)
}

func TestFinalizeService_PartialFailure_RetryCompletes(t *testing.T) {
	env := setupFinalize(t)

	reg := testutil.TestRegistration(t, env.db, testutil.WithRegEmail("retry@example.com"))
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("monthly", model.OpCreateTokenOnly, 0))

	notif := successNotification(session.CorrelationID, model.OpCreateTokenOnly)
	notif.ReturnValue = gateway.EncodeRegistrationRef(reg.ID)

	// 订阅表临时不可写，成功路径在状态更新前中断
	require.NoError(t, env.db.Migrator().RenameTable("subscriptions", "subscriptions_broken"))

	_, err := env.svc.Finalize(context.Background(), notif)
	require.Error(t, err)

	// 事务整体回滚：会话停在 initiated，游客账号和注册消费都撤销
	fresh, err := repository.NewPaymentSessionRepository(env.db).GetByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInitiated, fresh.Status)

	var userCount int64
	env.db.Model(&model.User{}).Count(&userCount)
	assert.Equal(t, int64(0), userCount)

	freshReg, err := repository.NewTempRegistrationRepository(env.db).GetByID(reg.ID)
	require.NoError(t, err)
	assert.False(t, freshReg.Used)

	// 网关重发同一通知，重试走完整条成功路径
	require.NoError(t, env.db.Migrator().RenameTable("subscriptions_broken", "subscriptions"))

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, outcome.Status)
	assert.False(t, outcome.Duplicate)
	require.NotNil(t, outcome.UserID)

	var subCount int64
	env.db.Model(&model.Subscription{}).Count(&subCount)
	assert.Equal(t, int64(1), subCount)

	sub, err := repository.NewSubscriptionRepository(env.db).GetByUserID(*outcome.UserID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusTrial, sub.Status)
}

func TestFinalizeService_FailureNotification(t *testing.T) {
	env := setupFinalize(t)

	user := testutil.TestUser(t, env.db, testutil.WithEmail("payer@example.com"))
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("annual", model.OpChargeAndCreateToken, 99.00),
		testutil.WithSessionUser(user.ID))

	notif := &gateway.Notification{
		CorrelationID:   session.CorrelationID,
		OperationResult: gateway.ResultFailure,
		OperationMode:   model.OpChargeAndCreateToken,
	}

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusFailed, outcome.Status)

	fresh, err := repository.NewPaymentSessionRepository(env.db).GetByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusFailed, fresh.Status)
	assert.Equal(t, "gateway_reported_failure", fresh.FailureReason)

	// 失败不建订阅
	_, err = repository.NewSubscriptionRepository(env.db).GetByUserID(user.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// 登录用户收到失败通知
	assert.Equal(t, []string{"payer@example.com"}, env.mailer.failures)

	records, err := repository.NewPaymentRecordRepository(env.db).ListByCorrelationID(session.CorrelationID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.RecordResultFailed, records[0].Result)
}

func TestFinalizeService_SuccessWithoutRequiredToken_Fails(t *testing.T) {
	env := setupFinalize(t)

	user := testutil.TestUser(t, env.db)
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("monthly", model.OpCreateTokenOnly, 0),
		testutil.WithSessionUser(user.ID))

	// 成功上报但没带令牌：开通了也无法续费，按失败处理
	notif := &gateway.Notification{
		CorrelationID:   session.CorrelationID,
		OperationResult: gateway.ResultSuccess,
		OperationMode:   model.OpCreateTokenOnly,
	}

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusFailed, outcome.Status)

	fresh, _ := repository.NewPaymentSessionRepository(env.db).GetByID(session.ID)
	assert.Equal(t, "token_missing", fresh.FailureReason)

	_, err = repository.NewSubscriptionRepository(env.db).GetByUserID(user.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestFinalizeService_AuthenticatedAnnualCheckout(t *testing.T) {
	env := setupFinalize(t)

	user := testutil.TestUser(t, env.db)
	// 已有旧令牌，新令牌应把它顶掉
	oldToken := testutil.TestToken(t, env.db, user.ID)
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("annual", model.OpChargeAndCreateToken, 99.00),
		testutil.WithSessionUser(user.ID))

	notif := successNotification(session.CorrelationID, model.OpChargeAndCreateToken)

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, outcome.Status)

	sub, err := repository.NewSubscriptionRepository(env.db).GetByUserID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusActive, sub.Status)
	assert.Nil(t, sub.TrialEndsAt)
	require.NotNil(t, sub.NextChargeAt)
	assert.WithinDuration(t, time.Now().AddDate(0, 12, 0), *sub.NextChargeAt, time.Minute)

	// 任一时刻每个用户至多一个 active 令牌
	active, err := repository.NewPaymentTokenRepository(env.db).GetActiveByUserID(user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken.ID, active.ID)
	assert.Equal(t, "tok_live_abc", active.Token)

	var activeCount int64
	env.db.Model(&model.RecurringPaymentToken{}).
		Where("user_id = ? AND status = ?", user.ID, model.TokenStatusActive).
		Count(&activeCount)
	assert.Equal(t, int64(1), activeCount)
}

func TestFinalizeService_ChargeOnlyPlan_NoRecurrence(t *testing.T) {
	env := setupFinalize(t)

	user := testutil.TestUser(t, env.db)
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("vip", model.OpChargeOnly, 299.00),
		testutil.WithSessionUser(user.ID))

	notif := successNotification(session.CorrelationID, model.OpChargeOnly)

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, outcome.Status)

	sub, err := repository.NewSubscriptionRepository(env.db).GetByUserID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubStatusActive, sub.Status)
	assert.Nil(t, sub.NextChargeAt)

	// 一次性扣款不建令牌
	_, err = repository.NewPaymentTokenRepository(env.db).GetActiveByUserID(user.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestFinalizeService_PlanChange_OverwritesSubscription(t *testing.T) {
	env := setupFinalize(t)

	user := testutil.TestUser(t, env.db)
	trialEnds := time.Now().AddDate(0, 0, 10)
	testutil.TestSubscription(t, env.db, user.ID,
		testutil.WithSubPlan("monthly"),
		testutil.WithSubStatus(model.SubStatusTrial),
		testutil.WithTrialEndsAt(&trialEnds))

	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("annual", model.OpChargeAndCreateToken, 99.00),
		testutil.WithSessionUser(user.ID))

	notif := successNotification(session.CorrelationID, model.OpChargeAndCreateToken)

	_, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)

	// 换套餐覆盖同一行，不插入第二行
	var subCount int64
	env.db.Model(&model.Subscription{}).Where("user_id = ?", user.ID).Count(&subCount)
	assert.Equal(t, int64(1), subCount)

	sub, err := repository.NewSubscriptionRepository(env.db).GetByUserID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "annual", sub.PlanID)
	assert.Equal(t, model.SubStatusActive, sub.Status)
}

func TestFinalizeService_EmailFallback_ExactlyOneMatch(t *testing.T) {
	env := setupFinalize(t)

	user := testutil.TestUser(t, env.db, testutil.WithEmail("holder@example.com"))
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("vip", model.OpChargeOnly, 299.00))

	notif := successNotification(session.CorrelationID, model.OpChargeOnly)
	notif.CardOwnerEmail = "Holder@Example.com" // 大小写不敏感

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	require.NotNil(t, outcome.UserID)
	assert.Equal(t, user.ID, *outcome.UserID)
}

func TestFinalizeService_EmailFallback_Disabled(t *testing.T) {
	env := setupFinalize(t)
	env.cfg.Finalize.EmailFallback = false

	testutil.TestUser(t, env.db, testutil.WithEmail("holder@example.com"))
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("vip", model.OpChargeOnly, 299.00))

	notif := successNotification(session.CorrelationID, model.OpChargeOnly)
	notif.CardOwnerEmail = "holder@example.com"

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)

	// 兜底关闭时支付照常入账但不归属
	assert.Equal(t, model.SessionStatusCompleted, outcome.Status)
	assert.Nil(t, outcome.UserID)
}

func TestFinalizeService_Unattributed_GoesToReconcile(t *testing.T) {
	env := setupFinalize(t)

	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("vip", model.OpChargeOnly, 299.00))

	notif := successNotification(session.CorrelationID, model.OpChargeOnly)
	notif.CardOwnerEmail = "nobody@example.com"

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, outcome.Status)
	assert.Nil(t, outcome.UserID)

	// 会话完成但无归属
	fresh, _ := repository.NewPaymentSessionRepository(env.db).GetByID(session.ID)
	assert.Equal(t, model.SessionStatusCompleted, fresh.Status)
	assert.Nil(t, fresh.ResolvedUserID)

	// 进了人工对账队列
	entry, err := env.reconcile.Pop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, queue.ReconcileUnattributed, entry.Reason)
	assert.Equal(t, session.CorrelationID, entry.CorrelationID)

	// 支付流水仍然入账
	records, err := repository.NewPaymentRecordRepository(env.db).ListByCorrelationID(session.CorrelationID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].UserID)
	assert.Equal(t, model.RecordResultSuccess, records[0].Result)
}

func TestFinalizeService_ExpiredRegistration_FallsThrough(t *testing.T) {
	env := setupFinalize(t)

	reg := testutil.TestRegistration(t, env.db, testutil.WithRegExpired())
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("monthly", model.OpCreateTokenOnly, 0))

	notif := successNotification(session.CorrelationID, model.OpCreateTokenOnly)
	notif.ReturnValue = gateway.EncodeRegistrationRef(reg.ID)

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)

	// 过期注册不建号，归属链落空
	assert.Equal(t, model.SessionStatusCompleted, outcome.Status)
	assert.Nil(t, outcome.UserID)

	var userCount int64
	env.db.Model(&model.User{}).Count(&userCount)
	assert.Equal(t, int64(0), userCount)
}

func TestFinalizeService_UsedRegistration_ReusesAccount(t *testing.T) {
	env := setupFinalize(t)

	user := testutil.TestUser(t, env.db, testutil.WithEmail("converted@example.com"))
	reg := testutil.TestRegistration(t, env.db,
		testutil.WithRegEmail("converted@example.com"),
		testutil.WithRegUsed(user.ID))
	session := testutil.TestSession(t, env.db,
		testutil.WithPlan("monthly", model.OpCreateTokenOnly, 0))

	notif := successNotification(session.CorrelationID, model.OpCreateTokenOnly)
	notif.ReturnValue = gateway.EncodeRegistrationRef(reg.ID)

	outcome, err := env.svc.Finalize(context.Background(), notif)
	require.NoError(t, err)
	require.NotNil(t, outcome.UserID)
	assert.Equal(t, user.ID, *outcome.UserID)

	// 不再新建账号
	var userCount int64
	env.db.Model(&model.User{}).Count(&userCount)
	assert.Equal(t, int64(1), userCount)
}

func TestFinalizeService_UnknownSession(t *testing.T) {
	env := setupFinalize(t)

	notif := successNotification("corr-does-not-exist", model.OpChargeOnly)

	_, err := env.svc.Finalize(context.Background(), notif)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
