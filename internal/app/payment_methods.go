package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/bacon/reward-service/internal/domain"
	"github.com/bacon/reward-service/internal/fee"
	"github.com/google/uuid"
)

// AddPaymentMethod registers an unverified payout destination. Without an explicit fee
// schedule the method takes the default schedule for its type. An account's first method
// becomes its default.
func (s *Service) AddPaymentMethod(ctx context.Context, accountID string, req domain.AddPaymentMethodRequest) (*domain.PaymentMethod, error) {
	methodType := domain.PaymentMethodType(strings.ToLower(strings.TrimSpace(string(req.Type))))
	if !methodType.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method type %q", domain.ErrInvalidFeeSchedule, req.Type)
	}

	schedule := fee.DefaultSchedule(methodType)
	if req.FeeSchedule != nil {
		schedule = *req.FeeSchedule
	}
	if err := fee.ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	method := &domain.PaymentMethod{
		ID:          uuid.New(),
		AccountID:   accountID,
		Type:        methodType,
		Label:       strings.TrimSpace(req.Label),
		FeeSchedule: schedule,
		IsDefault:   req.MakeDefault,
	}
	if err := s.repo.CreatePaymentMethod(ctx, method); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=payment_method msg=\"payment method added\" account_id=%s method_id=%s type=%s default=%t", accountID, method.ID, method.Type, method.IsDefault)
	return method, nil
}

func (s *Service) ListPaymentMethods(ctx context.Context, accountID string) ([]domain.PaymentMethod, error) {
	return s.repo.ListPaymentMethods(ctx, accountID)
}

// SetDefaultPaymentMethod makes methodID the account's only default.
func (s *Service) SetDefaultPaymentMethod(ctx context.Context, accountID string, methodID uuid.UUID) error {
	return s.repo.SetDefaultPaymentMethod(ctx, accountID, methodID)
}

// SetPaymentMethodVerification records the outcome of an external verification check.
func (s *Service) SetPaymentMethodVerification(ctx context.Context, methodID uuid.UUID, verified bool) (*domain.PaymentMethod, error) {
	method, err := s.repo.SetPaymentMethodVerified(ctx, methodID, verified)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service flow=payment_method msg=\"verification updated\" method_id=%s verified=%t", methodID, verified)
	return method, nil
}

// resolvePaymentMethod returns the requested method, or the account default when methodID is nil.
// Methods belonging to another account are reported as not found.
func (s *Service) resolvePaymentMethod(ctx context.Context, accountID string, methodID *uuid.UUID) (*domain.PaymentMethod, error) {
	if methodID == nil {
		return s.repo.FindDefaultPaymentMethod(ctx, accountID)
	}
	method, err := s.repo.FindPaymentMethodByID(ctx, *methodID)
	if err != nil {
		return nil, err
	}
	if method.AccountID != accountID {
		return nil, domain.ErrPaymentMethodNotFound
	}
	return method, nil
}

// QuoteFee prices a withdrawal of amount through a payment method without side effects.
func (s *Service) QuoteFee(ctx context.Context, accountID string, amount int64, methodID *uuid.UUID) (*domain.FeeQuote, error) {
	method, err := s.resolvePaymentMethod(ctx, accountID, methodID)
	if err != nil {
		return nil, err
	}
	charged, net, err := fee.Net(amount, method.FeeSchedule)
	if err != nil {
		return nil, err
	}
	return &domain.FeeQuote{
		Amount:          amount,
		Fee:             charged,
		NetAmount:       net,
		PaymentMethodID: method.ID,
	}, nil
}
