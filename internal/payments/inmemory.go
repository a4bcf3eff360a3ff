package payments

import (
	"context"
	"fmt"
	"sync"
)

type chargeState struct {
	result   ChargeResult
	refunded int64
}

// InMemoryProvider implements Provider with in-process concurrency
// safety. It backs dev mode and tests; results are deterministic for a
// given call sequence.
type InMemoryProvider struct {
	mu         sync.Mutex
	seq        int
	charges    map[string]*chargeState
	idemCharge map[string]ChargeResult
	idemRefund map[string]RefundResult
}

// NewInMemoryProvider creates an empty provider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{
		charges:    make(map[string]*chargeState),
		idemCharge: make(map[string]ChargeResult),
		idemRefund: make(map[string]RefundResult),
	}
}

func (p *InMemoryProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if req.AmountCents <= 0 {
		return ChargeResult{}, ErrInvalidAmount
	}
	if req.Currency == "" {
		return ChargeResult{}, ErrInvalidCurrency
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.IdempotencyKey != "" {
		if res, ok := p.idemCharge[req.IdempotencyKey]; ok {
			return res, nil
		}
	}

	p.seq++
	res := ChargeResult{
		ChargeID:    fmt.Sprintf("ch_%06d", p.seq),
		Status:      StatusSucceeded,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	}
	p.charges[res.ChargeID] = &chargeState{result: res}
	if req.IdempotencyKey != "" {
		p.idemCharge[req.IdempotencyKey] = res
	}
	return res, nil
}

func (p *InMemoryProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.AmountCents <= 0 {
		return RefundResult{}, ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.IdempotencyKey != "" {
		if res, ok := p.idemRefund[req.IdempotencyKey]; ok {
			return res, nil
		}
	}

	ch, ok := p.charges[req.ChargeID]
	if !ok {
		return RefundResult{}, ErrChargeNotFound
	}
	if ch.refunded+req.AmountCents > ch.result.AmountCents {
		return RefundResult{}, ErrRefundExceedsCharge
	}
	ch.refunded += req.AmountCents

	p.seq++
	res := RefundResult{
		RefundID:    fmt.Sprintf("re_%06d", p.seq),
		ChargeID:    req.ChargeID,
		Status:      StatusSucceeded,
		AmountCents: req.AmountCents,
	}
	if req.IdempotencyKey != "" {
		p.idemRefund[req.IdempotencyKey] = res
	}
	return res, nil
}

// Refunded reports the total refunded against a charge. Test hook.
func (p *InMemoryProvider) Refunded(chargeID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.charges[chargeID]; ok {
		return ch.refunded
	}
	return 0
}
