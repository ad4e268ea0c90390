package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
	domainRepo "github.com/sellhub/payment-service/internal/domain/repository"
	"github.com/sellhub/payment-service/internal/infrastructure/provider/usdt"
)

// CryptoMonitor reconciles pending USDT invoices against on-chain transfers.
// The rail has no webhooks, so each tick it loads the pending set, expires
// lapsed invoices and matches the rest by their perturbed expected amount.
type CryptoMonitor struct {
	paymentRepo      domainRepo.PaymentRepository
	configSvc        *ConfigService
	engine           *TransactionService
	logger           *zap.Logger
	interval         time.Duration
	tolerancePercent decimal.Decimal
}

// NewCryptoMonitor creates a new chain monitor instance
func NewCryptoMonitor(
	paymentRepo domainRepo.PaymentRepository,
	configSvc *ConfigService,
	engine *TransactionService,
	interval time.Duration,
	tolerancePercent float64,
	logger *zap.Logger,
) *CryptoMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	tolerance := decimal.NewFromFloat(tolerancePercent)
	if !tolerance.IsPositive() {
		tolerance = usdt.DefaultTolerancePercent
	}
	return &CryptoMonitor{
		paymentRepo:      paymentRepo,
		configSvc:        configSvc,
		engine:           engine,
		logger:           logger,
		interval:         interval,
		tolerancePercent: tolerance,
	}
}

// Run polls until the context is canceled. One tick runs immediately on start
// so a restart does not wait a full interval to resume reconciliation.
func (m *CryptoMonitor) Run(ctx context.Context) {
	m.logger.Info("Chain monitor started",
		zap.Duration("interval", m.interval),
		zap.String("tolerance_percent", m.tolerancePercent.String()))

	m.Tick(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Chain monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass over the pending USDT payments.
func (m *CryptoMonitor) Tick(ctx context.Context) {
	pending, err := m.paymentRepo.ListPendingByProvider(ctx, string(provider.TypeUSDT))
	if err != nil {
		m.logger.Error("Failed to load pending crypto payments", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	now := time.Now()
	live := make([]*model.Payment, 0, len(pending))
	for _, p := range pending {
		if p.ExpiresAt != nil && now.After(*p.ExpiresAt) {
			if _, err := m.engine.ExpirePayment(ctx, p.ID); err != nil {
				m.logger.Error("Failed to expire crypto payment",
					zap.Int64("payment_id", p.ID),
					zap.Error(err))
			}
			continue
		}
		live = append(live, p)
	}
	if len(live) == 0 {
		return
	}

	// Explorer credentials and network selection live in the entity config,
	// so the pending set is reconciled per entity.
	byEntity := make(map[string][]*model.Payment)
	for _, p := range live {
		key := p.EntityType + ":" + p.EntityID
		byEntity[key] = append(byEntity[key], p)
	}

	var wg sync.WaitGroup
	for _, payments := range byEntity {
		wg.Add(1)
		go func(payments []*model.Payment) {
			defer wg.Done()
			m.reconcileEntity(ctx, payments)
		}(payments)
	}
	wg.Wait()
}

// reconcileEntity matches one entity's pending invoices against the incoming
// transfers on its watched wallet.
func (m *CryptoMonitor) reconcileEntity(ctx context.Context, payments []*model.Payment) {
	head := payments[0]

	cfg, err := m.configSvc.GetOrCreate(ctx, head.EntityType, head.EntityID, head.OwnerID)
	if err != nil {
		m.logger.Error("Failed to load config for crypto reconciliation",
			zap.String("entity_type", head.EntityType),
			zap.String("entity_id", head.EntityID),
			zap.Error(err))
		return
	}

	adapter, err := m.configSvc.Adapter(ctx, cfg, provider.TypeUSDT)
	if err != nil {
		m.logger.Error("Failed to build usdt adapter for reconciliation",
			zap.String("entity_id", head.EntityID),
			zap.Error(err))
		return
	}

	usdtProvider, ok := adapter.(*usdt.Provider)
	if !ok {
		m.logger.Error("Unexpected adapter type for usdt provider",
			zap.String("entity_id", head.EntityID))
		return
	}

	// Fetch once per wallet, back to the oldest pending invoice.
	since := payments[0].CreatedAt
	for _, p := range payments {
		if p.CreatedAt.Before(since) {
			since = p.CreatedAt
		}
	}

	transfers, err := usdtProvider.Explorer().IncomingTransfers(ctx, usdtProvider.WalletAddress(), since)
	if err != nil {
		m.logger.Error("Failed to fetch incoming transfers",
			zap.String("wallet", usdtProvider.WalletAddress()),
			zap.Error(err))
		return
	}
	if len(transfers) == 0 {
		return
	}

	claimed := make(map[string]bool, len(transfers))
	for _, p := range payments {
		expected := expectedAmount(p)
		if expected.IsZero() {
			m.logger.Warn("Pending crypto payment has no expected amount",
				zap.Int64("payment_id", p.ID))
			continue
		}

		for _, t := range transfers {
			if claimed[t.TxID] {
				continue
			}
			if !m.withinTolerance(expected, t.Value) {
				continue
			}

			claimed[t.TxID] = true
			if _, err := m.engine.ConfirmChainPayment(ctx, p.ID, t.TxID, t.Value); err != nil {
				m.logger.Error("Failed to confirm matched crypto payment",
					zap.Int64("payment_id", p.ID),
					zap.String("tx_id", t.TxID),
					zap.Error(err))
				break
			}

			m.logger.Info("Matched on-chain transfer",
				zap.Int64("payment_id", p.ID),
				zap.String("tx_id", t.TxID),
				zap.String("expected", expected.String()),
				zap.String("observed", t.Value.String()))
			break
		}
	}
}

// withinTolerance reports whether an observed transfer amount matches the
// expected invoice amount within the configured percentage band.
func (m *CryptoMonitor) withinTolerance(expected, observed decimal.Decimal) bool {
	band := expected.Mul(m.tolerancePercent).Div(decimal.NewFromInt(100))
	return observed.Sub(expected).Abs().LessThanOrEqual(band)
}

func expectedAmount(p *model.Payment) decimal.Decimal {
	raw := cast.ToString(p.Metadata[usdt.MetaExpectedAmount])
	if raw == "" {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return amount
}
