package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domainErrors "github.com/sellhub/payment-service/internal/domain/errors"
	"github.com/sellhub/payment-service/internal/domain/event"
	"github.com/sellhub/payment-service/internal/domain/model"
	"github.com/sellhub/payment-service/internal/domain/provider"
	domainRepo "github.com/sellhub/payment-service/internal/domain/repository"
	"github.com/sellhub/payment-service/internal/domain/target"
)

// statusRank orders the forward-only part of the lifecycle. A transition to a
// lower rank is a regression and is rejected; equal-rank transitions are
// allowed only between refund states.
var statusRank = map[model.PaymentStatus]int{
	model.PaymentStatusPending:           0,
	model.PaymentStatusWaitingForCapture: 1,
	model.PaymentStatusSucceeded:         2,
	model.PaymentStatusPartiallyRefunded: 3,
	model.PaymentStatusRefunded:          4,
	model.PaymentStatusCanceled:          5,
	model.PaymentStatusFailed:            5,
}

// allowedTransitions is the full transition table. Statuses absent from a
// key's set are rejected at the single mutation point.
var allowedTransitions = map[model.PaymentStatus][]model.PaymentStatus{
	model.PaymentStatusPending: {
		model.PaymentStatusWaitingForCapture,
		model.PaymentStatusSucceeded,
		model.PaymentStatusCanceled,
		model.PaymentStatusFailed,
	},
	model.PaymentStatusWaitingForCapture: {
		model.PaymentStatusSucceeded,
		model.PaymentStatusCanceled,
		model.PaymentStatusFailed,
	},
	model.PaymentStatusSucceeded: {
		model.PaymentStatusPartiallyRefunded,
		model.PaymentStatusRefunded,
	},
	model.PaymentStatusPartiallyRefunded: {
		model.PaymentStatusPartiallyRefunded,
		model.PaymentStatusRefunded,
	},
}

// keyedMutex serializes transitions per payment id. Entries are reference
// counted and removed when the last holder releases, so the map does not grow
// with payment volume.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLockEntry
}

type keyedLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*keyedLockEntry)}
}

func (k *keyedMutex) lock(id int64) {
	k.mu.Lock()
	entry, ok := k.locks[id]
	if !ok {
		entry = &keyedLockEntry{}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

func (k *keyedMutex) unlock(id int64) {
	k.mu.Lock()
	entry := k.locks[id]
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}

// CreatePaymentInput carries everything needed to start a collection attempt.
type CreatePaymentInput struct {
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	TargetType     string                 `json:"target_type"`
	TargetID       string                 `json:"target_id"`
	OwnerID        string                 `json:"owner_id"`
	Provider       string                 `json:"provider"`
	Amount         decimal.Decimal        `json:"amount"`
	Currency       string                 `json:"currency,omitempty"`
	Description    string                 `json:"description,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	CustomerEmail  string                 `json:"customer_email,omitempty"`
	ReturnURL      string                 `json:"return_url,omitempty"`
	CancelURL      string                 `json:"cancel_url,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// CreatePaymentResult returns the persisted payment plus the URL the payer
// must be redirected to, when the provider uses a hosted page.
type CreatePaymentResult struct {
	Payment         *model.Payment `json:"payment"`
	ConfirmationURL string         `json:"confirmation_url,omitempty"`
}

// TransactionService is the payment engine. Every status mutation in the
// system funnels through transition(), which holds a per-payment lock,
// enforces the lifecycle table, stamps timestamps exactly once, writes the
// row, propagates to the target entity and publishes the domain event.
type TransactionService struct {
	paymentRepo domainRepo.PaymentRepository
	configSvc   *ConfigService
	gateway     target.Gateway
	publisher   event.Publisher
	logger      *zap.Logger
	locks       *keyedMutex
}

// NewTransactionService creates a new transaction service instance
func NewTransactionService(
	paymentRepo domainRepo.PaymentRepository,
	configSvc *ConfigService,
	gateway target.Gateway,
	publisher event.Publisher,
	logger *zap.Logger,
) *TransactionService {
	return &TransactionService{
		paymentRepo: paymentRepo,
		configSvc:   configSvc,
		gateway:     gateway,
		publisher:   publisher,
		logger:      logger,
		locks:       newKeyedMutex(),
	}
}

// CreatePayment starts a collection attempt. Re-submission with an already
// used idempotency key returns the original payment without touching the
// provider. The target entity is marked awaiting payment before this returns.
func (s *TransactionService) CreatePayment(ctx context.Context, input *CreatePaymentInput) (*CreatePaymentResult, error) {
	if input.IdempotencyKey != "" {
		existing, err := s.paymentRepo.GetByIdempotencyKey(ctx, input.IdempotencyKey)
		if err == nil && existing != nil {
			s.logger.Info("Idempotent replay of payment creation",
				zap.Int64("payment_id", existing.ID),
				zap.String("idempotency_key", input.IdempotencyKey))
			return &CreatePaymentResult{Payment: existing}, nil
		}
		if err != nil && domainErrors.TypeOf(err) != domainErrors.ErrTypePaymentNotFound {
			return nil, err
		}
	}

	// Callers that only know the target (a checkout page holding an order
	// id) get the owner resolved from the target itself.
	if input.OwnerID == "" && s.gateway != nil && input.TargetID != "" {
		ownerID, err := s.gateway.OwnerID(ctx, input.TargetType, input.TargetID)
		if err != nil {
			return nil, err
		}
		input.OwnerID = ownerID
	}

	cfg, err := s.configSvc.GetOrCreate(ctx, input.EntityType, input.EntityID, input.OwnerID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, domainErrors.NewPaymentsDisabledError(input.EntityType, input.EntityID)
	}

	providerType := provider.Type(input.Provider)
	if !providerType.Valid() {
		return nil, domainErrors.NewProviderNotActiveError(input.Provider)
	}

	if !input.Amount.IsPositive() {
		return nil, domainErrors.NewInvalidAmountError("amount must be positive")
	}
	if cfg.MinAmount.IsPositive() && input.Amount.LessThan(cfg.MinAmount) {
		return nil, domainErrors.NewInvalidAmountError(
			fmt.Sprintf("amount %s is below the minimum %s", input.Amount, cfg.MinAmount))
	}
	if cfg.MaxAmount.IsPositive() && input.Amount.GreaterThan(cfg.MaxAmount) {
		return nil, domainErrors.NewInvalidAmountError(
			fmt.Sprintf("amount %s is above the maximum %s", input.Amount, cfg.MaxAmount))
	}

	// A payment may not collect more than the target still owes. Checked
	// before the provider call so an invalid request has no side effect.
	if s.gateway != nil && input.TargetID != "" {
		owed, err := s.gateway.AmountOwed(ctx, input.TargetType, input.TargetID)
		if err != nil {
			return nil, err
		}
		if owed.IsPositive() && input.Amount.GreaterThan(owed) {
			return nil, domainErrors.NewInvalidAmountError(
				fmt.Sprintf("amount %s exceeds the %s owed on %s %s",
					input.Amount, owed, input.TargetType, input.TargetID))
		}
	}

	adapter, err := s.configSvc.Adapter(ctx, cfg, providerType)
	if err != nil {
		return nil, err
	}

	currency := input.Currency
	if currency == "" {
		currency = cfg.Currency
	}

	resp, err := adapter.CreatePayment(ctx, &provider.CreatePaymentRequest{
		Amount:         input.Amount,
		Currency:       currency,
		Description:    input.Description,
		IdempotencyKey: input.IdempotencyKey,
		CustomerEmail:  input.CustomerEmail,
		ReturnURL:      input.ReturnURL,
		CancelURL:      input.CancelURL,
		Metadata:       input.Metadata,
	})
	if err != nil {
		s.logger.Error("Provider payment creation failed",
			zap.String("provider", input.Provider),
			zap.String("entity_id", input.EntityID),
			zap.Error(err))
		return nil, err
	}

	status := resp.Status
	if status == "" {
		status = model.PaymentStatusPending
	}

	metadata := make(model.JSONB, len(input.Metadata)+len(resp.ProviderData))
	for k, v := range input.Metadata {
		metadata[k] = v
	}
	for k, v := range resp.ProviderData {
		metadata[k] = v
	}

	now := time.Now()
	payment := &model.Payment{
		Provider:       input.Provider,
		EntityType:     input.EntityType,
		EntityID:       input.EntityID,
		TargetType:     input.TargetType,
		TargetID:       input.TargetID,
		OwnerID:        input.OwnerID,
		Amount:         input.Amount,
		Currency:       currency,
		RefundedAmount: decimal.Zero,
		Status:         status,
		StatusHistory: model.StatusHistory{{
			Status:    status,
			ChangedAt: now,
			Reason:    "created",
		}},
		Metadata:  metadata,
		ExpiresAt: resp.ExpiresAt,
	}
	if resp.ExternalID != "" {
		payment.ExternalID = &resp.ExternalID
	}
	if input.IdempotencyKey != "" {
		payment.IdempotencyKey = &input.IdempotencyKey
	}

	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		return nil, err
	}

	// The target must know a payment attempt exists before the caller
	// redirects the payer anywhere.
	if s.gateway != nil {
		if err := s.gateway.SetPaymentStatus(ctx, input.TargetType, input.TargetID, payment.ID, target.StateAwaiting); err != nil {
			s.logger.Error("Failed to mark target awaiting payment",
				zap.Int64("payment_id", payment.ID),
				zap.String("target_type", input.TargetType),
				zap.String("target_id", input.TargetID),
				zap.Error(err))
			return nil, err
		}
	}

	s.logger.Info("Payment created",
		zap.Int64("payment_id", payment.ID),
		zap.String("provider", input.Provider),
		zap.String("status", string(status)),
		zap.String("amount", input.Amount.String()))

	return &CreatePaymentResult{Payment: payment, ConfirmationURL: resp.ConfirmationURL}, nil
}

// GetPayment returns one payment by id.
func (s *TransactionService) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return s.paymentRepo.GetByID(ctx, id)
}

// ListPayments returns an entity's payments, optionally filtered by status.
func (s *TransactionService) ListPayments(ctx context.Context, entityType, entityID string, statuses []model.PaymentStatus) ([]*model.Payment, error) {
	return s.paymentRepo.ListByEntity(ctx, entityType, entityID, statuses)
}

// transitionOptions carries the optional extras a transition may apply while
// the per-payment lock is held.
type transitionOptions struct {
	metadata   map[string]interface{}
	refund     *model.Refund
	refundedBy decimal.Decimal
	errorCode  string
	errorMsg   string
}

// transition is the single mutation point for payment status. It reloads the
// row under the payment's lock, validates the transition, appends history,
// stamps paid/canceled timestamps exactly once, persists, propagates to the
// target and publishes the lifecycle event.
func (s *TransactionService) transition(ctx context.Context, paymentID int64, newStatus model.PaymentStatus, reason string, opts *transitionOptions) (*model.Payment, error) {
	s.locks.lock(paymentID)
	defer s.locks.unlock(paymentID)

	return s.transitionLocked(ctx, paymentID, newStatus, reason, opts)
}

// transitionLocked is the body of transition. The caller must hold the
// payment's keyed lock; RefundPayment takes it early so the refundable
// remainder cannot change between its pre-check and the commit.
func (s *TransactionService) transitionLocked(ctx context.Context, paymentID int64, newStatus model.PaymentStatus, reason string, opts *transitionOptions) (*model.Payment, error) {
	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status == newStatus && newStatus != model.PaymentStatusPartiallyRefunded {
		// Duplicate notification; already in the requested state.
		s.logger.Debug("Ignoring no-op status transition",
			zap.Int64("payment_id", paymentID),
			zap.String("status", string(newStatus)))
		return payment, nil
	}

	if !transitionAllowed(payment.Status, newStatus) {
		return nil, domainErrors.NewInvalidStateTransitionError(
			fmt.Sprintf("%d", paymentID), string(payment.Status), string(newStatus))
	}

	now := time.Now()
	previous := payment.Status
	payment.Status = newStatus
	payment.StatusHistory = append(payment.StatusHistory, model.StatusChange{
		Status:         newStatus,
		PreviousStatus: previous,
		ChangedAt:      now,
		Reason:         reason,
		Metadata:       optMetadata(opts),
	})

	switch newStatus {
	case model.PaymentStatusSucceeded:
		if payment.PaidAt == nil {
			payment.PaidAt = &now
		}
	case model.PaymentStatusCanceled:
		if payment.CanceledAt == nil {
			payment.CanceledAt = &now
		}
	}

	if opts != nil {
		if opts.metadata != nil {
			if payment.Metadata == nil {
				payment.Metadata = make(model.JSONB, len(opts.metadata))
			}
			for k, v := range opts.metadata {
				payment.Metadata[k] = v
			}
		}
		if !opts.refundedBy.IsZero() {
			payment.RefundedAmount = payment.RefundedAmount.Add(opts.refundedBy)
		}
		if opts.errorCode != "" {
			payment.ErrorCode = &opts.errorCode
		}
		if opts.errorMsg != "" {
			payment.ErrorMessage = &opts.errorMsg
		}
	}

	if err := s.paymentRepo.Update(ctx, payment); err != nil {
		return nil, err
	}

	if opts != nil && opts.refund != nil {
		opts.refund.PaymentID = payment.ID
		if err := s.paymentRepo.AddRefund(ctx, opts.refund); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Payment status changed",
		zap.Int64("payment_id", payment.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(newStatus)),
		zap.String("reason", reason))

	s.propagate(ctx, payment)
	s.publish(ctx, payment, reason)

	return payment, nil
}

// UpdatePaymentStatus applies a provider-reported status to a payment.
func (s *TransactionService) UpdatePaymentStatus(ctx context.Context, paymentID int64, status model.PaymentStatus, reason string) (*model.Payment, error) {
	return s.transition(ctx, paymentID, status, reason, nil)
}

// HandleWebhook ingests a provider notification for one entity. The adapter
// verifies the signature before any field is trusted. A webhook for a payment
// we do not know is logged and acknowledged so the provider stops retrying.
func (s *TransactionService) HandleWebhook(ctx context.Context, entityType, entityID string, providerType provider.Type, payload []byte, signature string) (*provider.WebhookData, error) {
	cfg, err := s.configSvc.GetOrCreate(ctx, entityType, entityID, "")
	if err != nil {
		return nil, err
	}

	adapter, err := s.configSvc.Adapter(ctx, cfg, providerType)
	if err != nil {
		return nil, err
	}

	data, err := adapter.ParseWebhook(payload, signature)
	if err != nil {
		s.logger.Warn("Webhook rejected",
			zap.String("provider", string(providerType)),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return nil, domainErrors.NewWebhookVerificationError(string(providerType), err)
	}

	payment, err := s.paymentRepo.GetByExternalID(ctx, string(providerType), data.ExternalID)
	if err != nil {
		if domainErrors.TypeOf(err) == domainErrors.ErrTypePaymentNotFound {
			// Stale or foreign notification. Acknowledge so the provider
			// stops retrying; there is nothing to reconcile against.
			s.logger.Warn("Webhook for unknown payment",
				zap.String("provider", string(providerType)),
				zap.String("external_id", data.ExternalID),
				zap.String("event_type", data.EventType))
			return data, nil
		}
		return nil, err
	}

	if data.Status == "" {
		return data, nil
	}

	_, err = s.transition(ctx, payment.ID, data.Status, "webhook:"+data.EventType, nil)
	if err != nil {
		if domainErrors.TypeOf(err) == domainErrors.ErrTypeInvalidStateTransition {
			// Out-of-order or duplicate delivery. The stored state wins.
			s.logger.Warn("Webhook transition rejected",
				zap.Int64("payment_id", payment.ID),
				zap.String("status", string(data.Status)),
				zap.String("event_type", data.EventType))
			return data, nil
		}
		return nil, err
	}

	return data, nil
}

// CheckPaymentStatus polls the provider for its authoritative status and
// applies any change. Providers without a poll capability leave the stored
// state untouched.
func (s *TransactionService) CheckPaymentStatus(ctx context.Context, paymentID int64) (*model.Payment, error) {
	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status.IsTerminal() || payment.ExternalID == nil {
		return payment, nil
	}

	cfg, err := s.configSvc.GetOrCreate(ctx, payment.EntityType, payment.EntityID, payment.OwnerID)
	if err != nil {
		return nil, err
	}

	adapter, err := s.configSvc.Adapter(ctx, cfg, provider.Type(payment.Provider))
	if err != nil {
		return nil, err
	}

	info, err := adapter.GetPaymentStatus(ctx, *payment.ExternalID)
	if err != nil {
		if provider.IsNotSupported(err) {
			return payment, nil
		}
		return nil, err
	}

	if info.Status == payment.Status {
		return payment, nil
	}

	return s.transition(ctx, payment.ID, info.Status, "status poll", nil)
}

// CancelPayment cancels an uncaptured payment with the provider and locally.
func (s *TransactionService) CancelPayment(ctx context.Context, paymentID int64, reason string) (*model.Payment, error) {
	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status != model.PaymentStatusPending && payment.Status != model.PaymentStatusWaitingForCapture {
		return nil, domainErrors.NewInvalidStateTransitionError(
			fmt.Sprintf("%d", paymentID), string(payment.Status), string(model.PaymentStatusCanceled))
	}

	cfg, err := s.configSvc.GetOrCreate(ctx, payment.EntityType, payment.EntityID, payment.OwnerID)
	if err != nil {
		return nil, err
	}

	adapter, err := s.configSvc.Adapter(ctx, cfg, provider.Type(payment.Provider))
	if err != nil {
		return nil, err
	}

	if payment.ExternalID != nil {
		if err := adapter.CancelPayment(ctx, *payment.ExternalID); err != nil {
			return nil, err
		}
	}

	if reason == "" {
		reason = "canceled by merchant"
	}
	return s.transition(ctx, paymentID, model.PaymentStatusCanceled, reason, nil)
}

// CapturePayment captures an authorized payment. A nil amount captures in full.
func (s *TransactionService) CapturePayment(ctx context.Context, paymentID int64, amount *decimal.Decimal) (*model.Payment, error) {
	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status != model.PaymentStatusWaitingForCapture {
		return nil, domainErrors.NewInvalidStateTransitionError(
			fmt.Sprintf("%d", paymentID), string(payment.Status), string(model.PaymentStatusSucceeded))
	}
	if payment.ExternalID == nil {
		return nil, domainErrors.NewPaymentNotFoundError(fmt.Sprintf("%d", paymentID))
	}

	cfg, err := s.configSvc.GetOrCreate(ctx, payment.EntityType, payment.EntityID, payment.OwnerID)
	if err != nil {
		return nil, err
	}

	adapter, err := s.configSvc.Adapter(ctx, cfg, provider.Type(payment.Provider))
	if err != nil {
		return nil, err
	}

	info, err := adapter.CapturePayment(ctx, *payment.ExternalID, amount)
	if err != nil {
		return nil, err
	}

	status := model.PaymentStatusSucceeded
	if info != nil && info.Status != "" {
		status = info.Status
	}
	return s.transition(ctx, paymentID, status, "captured", nil)
}

// RefundPayment returns money to the payer. A zero amount refunds the full
// remainder. The payment moves to refunded when nothing refundable is left,
// partially_refunded otherwise.
func (s *TransactionService) RefundPayment(ctx context.Context, paymentID int64, amount decimal.Decimal, reason string) (*model.Payment, error) {
	// The lock spans the remainder check, the provider call and the commit.
	// Two concurrent refunds of the same payment are serialized here, so the
	// second one re-reads the already reduced remainder and is rejected
	// instead of pushing refunded_amount past the payment amount.
	s.locks.lock(paymentID)
	defer s.locks.unlock(paymentID)

	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if payment.Status != model.PaymentStatusSucceeded && payment.Status != model.PaymentStatusPartiallyRefunded {
		return nil, domainErrors.NewInvalidStateTransitionError(
			fmt.Sprintf("%d", paymentID), string(payment.Status), string(model.PaymentStatusRefunded))
	}

	remaining := payment.RemainingAmount()
	if amount.IsZero() {
		amount = remaining
	}
	if !amount.IsPositive() || amount.GreaterThan(remaining) {
		return nil, domainErrors.NewInvalidAmountError(
			fmt.Sprintf("refund amount %s exceeds the refundable remainder %s", amount, remaining))
	}
	if payment.ExternalID == nil {
		return nil, domainErrors.NewRefundFailedError(payment.Provider, fmt.Sprintf("%d", paymentID),
			fmt.Errorf("payment has no provider reference"))
	}

	cfg, err := s.configSvc.GetOrCreate(ctx, payment.EntityType, payment.EntityID, payment.OwnerID)
	if err != nil {
		return nil, err
	}

	adapter, err := s.configSvc.Adapter(ctx, cfg, provider.Type(payment.Provider))
	if err != nil {
		return nil, err
	}

	resp, err := adapter.Refund(ctx, &provider.RefundRequest{
		ExternalID:     *payment.ExternalID,
		Amount:         amount,
		Currency:       payment.Currency,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("refund-%d-%s", paymentID, payment.RefundedAmount.Add(amount)),
	})
	if err != nil {
		return nil, domainErrors.NewRefundFailedError(payment.Provider, fmt.Sprintf("%d", paymentID), err)
	}

	refund := &model.Refund{
		Amount: amount,
		Status: resp.Status,
		Reason: reason,
	}
	if resp.RefundExternalID != "" {
		refund.ExternalID = &resp.RefundExternalID
	}

	newStatus := model.PaymentStatusPartiallyRefunded
	if amount.Equal(remaining) {
		newStatus = model.PaymentStatusRefunded
	}

	return s.transitionLocked(ctx, paymentID, newStatus, "refund", &transitionOptions{
		refund:     refund,
		refundedBy: amount,
	})
}

// ConfirmChainPayment marks a crypto payment succeeded after the monitor
// matched an on-chain transfer. The transaction id lands in the payment
// metadata for audit.
func (s *TransactionService) ConfirmChainPayment(ctx context.Context, paymentID int64, txID string, observed decimal.Decimal) (*model.Payment, error) {
	return s.transition(ctx, paymentID, model.PaymentStatusSucceeded, "chain transfer matched", &transitionOptions{
		metadata: map[string]interface{}{
			"matched_tx_id":   txID,
			"observed_amount": observed.String(),
		},
	})
}

// ExpirePayment cancels an invoice whose payment window lapsed.
func (s *TransactionService) ExpirePayment(ctx context.Context, paymentID int64) (*model.Payment, error) {
	return s.transition(ctx, paymentID, model.PaymentStatusCanceled, "expired", nil)
}

// FailPayment records a provider-declined payment.
func (s *TransactionService) FailPayment(ctx context.Context, paymentID int64, code, message string) (*model.Payment, error) {
	return s.transition(ctx, paymentID, model.PaymentStatusFailed, "provider declined", &transitionOptions{
		errorCode: code,
		errorMsg:  message,
	})
}

func optMetadata(opts *transitionOptions) map[string]interface{} {
	if opts == nil {
		return nil
	}
	return opts.metadata
}

func transitionAllowed(from, to model.PaymentStatus) bool {
	if rankFrom, ok := statusRank[from]; ok {
		if rankTo, ok := statusRank[to]; ok && rankTo < rankFrom {
			return false
		}
	}
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// propagate writes the payment state back to the target entity. Propagation
// failure does not roll the transition back; the stored payment row stays the
// source of truth and the next status touch retries the write.
func (s *TransactionService) propagate(ctx context.Context, payment *model.Payment) {
	if s.gateway == nil {
		return
	}

	var state target.PaymentState
	switch payment.Status {
	case model.PaymentStatusPending, model.PaymentStatusWaitingForCapture:
		state = target.StateAwaiting
	case model.PaymentStatusSucceeded:
		state = target.StatePaid
	case model.PaymentStatusCanceled:
		state = target.StateCanceled
	case model.PaymentStatusRefunded, model.PaymentStatusPartiallyRefunded:
		state = target.StateRefunded
	case model.PaymentStatusFailed:
		state = target.StateFailed
	default:
		return
	}

	if err := s.gateway.SetPaymentStatus(ctx, payment.TargetType, payment.TargetID, payment.ID, state); err != nil {
		s.logger.Error("Failed to propagate payment state to target",
			zap.Int64("payment_id", payment.ID),
			zap.String("target_type", payment.TargetType),
			zap.String("target_id", payment.TargetID),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

// publish emits the lifecycle event for a committed transition.
func (s *TransactionService) publish(ctx context.Context, payment *model.Payment, reason string) {
	if s.publisher == nil {
		return
	}

	var name event.Name
	switch payment.Status {
	case model.PaymentStatusSucceeded:
		name = event.PaymentSucceeded
	case model.PaymentStatusCanceled:
		name = event.PaymentCanceled
	case model.PaymentStatusRefunded, model.PaymentStatusPartiallyRefunded:
		name = event.PaymentRefunded
	case model.PaymentStatusFailed:
		name = event.PaymentFailed
	default:
		return
	}

	evt := event.PaymentEvent{
		Name:       name,
		PaymentID:  payment.ID,
		Provider:   payment.Provider,
		EntityType: payment.EntityType,
		EntityID:   payment.EntityID,
		TargetType: payment.TargetType,
		TargetID:   payment.TargetID,
		Status:     string(payment.Status),
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		Reason:     reason,
		OccurredAt: time.Now(),
	}
	if payment.ExternalID != nil {
		evt.ExternalID = *payment.ExternalID
	}

	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Error("Failed to publish payment event",
			zap.Int64("payment_id", payment.ID),
			zap.String("event", string(name)),
			zap.Error(err))
	}
}
