package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bacon/reward-service/internal/domain"
)

type saleDistributorStub struct {
	err  error
	sale domain.Sale
}

func (s *saleDistributorStub) Distribute(ctx context.Context, sale domain.Sale) (*domain.Distribution, error) {
	s.sale = sale
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Distribution{ListingID: sale.ListingID, Status: domain.DistributionCompleted}, nil
}

func TestSaleCompletedConsumer_AckDecisions(t *testing.T) {
	body := []byte(`{"listing_id":"listing-1","price":100000,"reward_percentage":"20","max_degrees":6,"chain":[{"degree":1,"account_id":"alice"}]}`)
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"distributed", nil, true},
		{"duplicate", fmt.Errorf("%w: listing-1", domain.ErrDuplicateSaleEvent), true},
		{"invalid", domain.ErrInvalidSale, true},
		{"store unavailable", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &saleDistributorStub{err: tc.err}
			if got := NewSaleCompletedConsumer(stub).HandleMessage(body); got != tc.want {
				t.Fatalf("expected ack=%t, got %t", tc.want, got)
			}
			if stub.sale.ListingID != "listing-1" || stub.sale.Price != 100000 || len(stub.sale.Chain) != 1 {
				t.Fatalf("unexpected decoded sale: %+v", stub.sale)
			}
			if stub.sale.RewardPercentage.IntPart() != 20 {
				t.Fatalf("unexpected reward percentage: %s", stub.sale.RewardPercentage)
			}
		})
	}
}

func TestSaleCompletedConsumer_DropsMalformedPayload(t *testing.T) {
	stub := &saleDistributorStub{}
	if !NewSaleCompletedConsumer(stub).HandleMessage([]byte("{not json")) {
		t.Fatal("expected malformed payload to be acknowledged")
	}
	if stub.sale.ListingID != "" {
		t.Fatal("distributor must not be called for malformed payloads")
	}
}

type payoutStatusProcessorStub struct {
	err    error
	called int
}

func (s *payoutStatusProcessorStub) ProcessPayoutStatus(ctx context.Context, event domain.PayoutStatusEvent) (*domain.Withdrawal, error) {
	s.called++
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Withdrawal{Status: domain.StatusCompleted}, nil
}

func TestPayoutStatusConsumer_AckDecisions(t *testing.T) {
	body := []byte(`{"event_id":"evt_1","transaction_id":"6f1c1f7e-3f7d-4a43-9d1e-8d8e0c7f4a10","status":"successful"}`)
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"applied", nil, true},
		{"unknown withdrawal", domain.ErrWithdrawalNotFound, true},
		{"not applicable", domain.ErrStatusConflict, true},
		{"transient", errors.New("deadline exceeded"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &payoutStatusProcessorStub{err: tc.err}
			if got := NewPayoutStatusConsumer(stub).HandleMessage(body); got != tc.want {
				t.Fatalf("expected ack=%t, got %t", tc.want, got)
			}
			if stub.called != 1 {
				t.Fatalf("expected processor to be called once, got %d", stub.called)
			}
		})
	}
}

func TestPayoutStatusConsumer_DropsEventsWithoutTransaction(t *testing.T) {
	stub := &payoutStatusProcessorStub{}
	if !NewPayoutStatusConsumer(stub).HandleMessage([]byte(`{"event_id":"evt_2","status":"failed"}`)) {
		t.Fatal("expected event without transaction id to be acknowledged")
	}
	if stub.called != 0 {
		t.Fatal("processor must not be called without a transaction id")
	}
}
