package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/bacon/reward-service/internal/domain"
)

const consumerTimeout = 30 * time.Second

// SaleDistributor is implemented by Service.
type SaleDistributor interface {
	Distribute(ctx context.Context, sale domain.Sale) (*domain.Distribution, error)
}

// PayoutStatusProcessor is implemented by Service.
type PayoutStatusProcessor interface {
	ProcessPayoutStatus(ctx context.Context, event domain.PayoutStatusEvent) (*domain.Withdrawal, error)
}

// SaleCompletedConsumer feeds `sale.completed` events into the distribution engine.
type SaleCompletedConsumer struct {
	distributor SaleDistributor
}

func NewSaleCompletedConsumer(distributor SaleDistributor) *SaleCompletedConsumer {
	return &SaleCompletedConsumer{distributor: distributor}
}

// HandleMessage returns false only for failures worth redelivering. Malformed, invalid and
// duplicate sales are acknowledged.
func (c *SaleCompletedConsumer) HandleMessage(body []byte) bool {
	var sale domain.Sale
	if err := json.Unmarshal(body, &sale); err != nil {
		log.Printf("level=error component=sale_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	dist, err := c.distributor.Distribute(ctx, sale)
	switch {
	case err == nil:
		log.Printf("level=info component=sale_consumer msg=\"sale processed\" listing_id=%s status=%s", dist.ListingID, dist.Status)
		return true
	case errors.Is(err, domain.ErrDuplicateSaleEvent):
		log.Printf("level=info component=sale_consumer msg=\"duplicate sale acknowledged\" listing_id=%s", sale.ListingID)
		return true
	case errors.Is(err, domain.ErrInvalidSale):
		log.Printf("level=error component=sale_consumer msg=\"invalid sale dropped\" listing_id=%s err=%v", sale.ListingID, err)
		return true
	default:
		log.Printf("level=warn component=sale_consumer msg=\"processing error; re-queuing\" listing_id=%s err=%v", sale.ListingID, err)
		return false
	}
}

// PayoutStatusConsumer applies `payout.status.*` events from the payout processor.
type PayoutStatusConsumer struct {
	processor PayoutStatusProcessor
}

func NewPayoutStatusConsumer(processor PayoutStatusProcessor) *PayoutStatusConsumer {
	return &PayoutStatusConsumer{processor: processor}
}

func (c *PayoutStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.PayoutStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=payout_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}
	if event.TransactionID == "" {
		log.Printf("level=error component=payout_consumer msg=\"missing transaction id; dropping\" event_id=%s", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	withdrawal, err := c.processor.ProcessPayoutStatus(ctx, event)
	switch {
	case err == nil:
		log.Printf("level=info component=payout_consumer msg=\"payout status applied\" transaction_id=%s status=%s", event.TransactionID, withdrawal.Status)
		return true
	case errors.Is(err, domain.ErrWithdrawalNotFound):
		log.Printf("level=warn component=payout_consumer msg=\"no withdrawal for payout event; acknowledging\" transaction_id=%s", event.TransactionID)
		return true
	case errors.Is(err, domain.ErrStatusConflict):
		log.Printf("level=warn component=payout_consumer msg=\"payout event not applicable; acknowledging\" transaction_id=%s status=%s err=%v", event.TransactionID, event.Status, err)
		return true
	default:
		log.Printf("level=warn component=payout_consumer msg=\"processing error; re-queuing\" transaction_id=%s err=%v", event.TransactionID, err)
		return false
	}
}
