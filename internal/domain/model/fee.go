package model

import "math/big"

// Urgency hints how aggressively a transfer should be priced. The mapping
// from transfer size to urgency is the caller's concern.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Congestion is a coarse, advisory bucket of current network fee pressure.
// It never gates submission.
type Congestion string

const (
	CongestionLow    Congestion = "low"
	CongestionMedium Congestion = "medium"
	CongestionHigh   Congestion = "high"
)

// FeePlan is everything needed to price one submission attempt. It is
// ephemeral and never persisted. Exactly one pricing model is populated:
// GasPrice when Dynamic is false, the MaxFee/MaxPriorityFee pair otherwise.
type FeePlan struct {
	GasLimit             uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Dynamic              bool
	EstimatedCost        *big.Int
	Congestion           Congestion
}

// PricePerGas returns the effective upper-bound unit price for the plan.
func (p *FeePlan) PricePerGas() *big.Int {
	if p.Dynamic {
		return p.MaxFeePerGas
	}
	return p.GasPrice
}

// Clone returns a deep copy so per-attempt fee bumps never alias the
// original plan's big.Ints.
func (p *FeePlan) Clone() *FeePlan {
	c := &FeePlan{
		GasLimit:   p.GasLimit,
		Dynamic:    p.Dynamic,
		Congestion: p.Congestion,
	}
	if p.GasPrice != nil {
		c.GasPrice = new(big.Int).Set(p.GasPrice)
	}
	if p.MaxFeePerGas != nil {
		c.MaxFeePerGas = new(big.Int).Set(p.MaxFeePerGas)
	}
	if p.MaxPriorityFeePerGas != nil {
		c.MaxPriorityFeePerGas = new(big.Int).Set(p.MaxPriorityFeePerGas)
	}
	if p.EstimatedCost != nil {
		c.EstimatedCost = new(big.Int).Set(p.EstimatedCost)
	}
	return c
}
