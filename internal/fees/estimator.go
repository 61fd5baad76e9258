package fees

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"

	"github.com/k-g-j/dynamic-vencura/internal/chain"
	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/metrics"
)

const (
	defaultGasBufferPercent  = 20
	defaultHighUrgencyFactor = 1.5
	lowUrgencyFactor         = 0.9

	// Fallbacks when the node cannot serve an estimate.
	fallbackTransferGasLimit = 100_000
	fallbackContractGasLimit = 200_000
	fallbackGasPriceGwei     = 30
	defaultMaxFeeGwei        = 500

	congestionLowGwei    = 20
	congestionMediumGwei = 50
)

type Config struct {
	GasBufferPercent  int      // multiplicative safety buffer on gas limits
	HighUrgencyFactor float64  // price multiplier for high urgency
	MaxFeePerGasWei   *big.Int // absolute ceiling; values above are clamped
	PreferDynamicFees bool     // use the EIP-1559 pair when the node offers it
}

func (c Config) withDefaults() Config {
	if c.GasBufferPercent <= 0 {
		c.GasBufferPercent = defaultGasBufferPercent
	}
	if c.HighUrgencyFactor <= 0 {
		c.HighUrgencyFactor = defaultHighUrgencyFactor
	}
	if c.MaxFeePerGasWei == nil || c.MaxFeePerGasWei.Sign() <= 0 {
		c.MaxFeePerGasWei = gwei(defaultMaxFeeGwei)
	}
	return c
}

// Draft describes a value movement before fees and signature are attached.
type Draft struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
	Data   []byte
}

// Estimator produces concrete fee plans from live network data. Estimate
// never fails: any node error degrades to a conservative fallback plan.
type Estimator struct {
	client  chain.Client
	cfg     Config
	history *gasHistory
	logger  *slog.Logger
}

func NewEstimator(client chain.Client, cfg Config, logger *slog.Logger) *Estimator {
	return &Estimator{
		client:  client,
		cfg:     cfg.withDefaults(),
		history: newGasHistory(),
		logger:  logger.With("component", "fee_estimator"),
	}
}

// Estimate builds a fee plan for draft under the given urgency.
func (e *Estimator) Estimate(ctx context.Context, draft Draft, urgency model.Urgency) *model.FeePlan {
	gasLimit := e.gasLimit(ctx, draft)

	feeData, err := e.client.FeeData(ctx)
	if err != nil {
		e.logger.Warn("fee data query failed, using fallback plan", "error", err)
		metrics.FeeEstimateFallbacks.Inc()
		return e.fallbackPlan(draft)
	}

	factor := e.urgencyFactor(urgency)
	plan := &model.FeePlan{
		GasLimit:   gasLimit,
		Congestion: classifyCongestion(feeData.GasPrice),
	}

	if e.cfg.PreferDynamicFees && feeData.SupportsDynamicFees() {
		priority := clamp(scale(feeData.MaxPriorityFeePerGas, factor), e.cfg.MaxFeePerGasWei)
		maxFee := new(big.Int).Mul(feeData.BaseFee, big.NewInt(2))
		maxFee.Add(maxFee, priority)
		plan.Dynamic = true
		plan.MaxPriorityFeePerGas = priority
		plan.MaxFeePerGas = clamp(maxFee, e.cfg.MaxFeePerGasWei)
		metrics.FeeEstimatesTotal.WithLabelValues("dynamic").Inc()
	} else {
		plan.GasPrice = clamp(scale(feeData.GasPrice, factor), e.cfg.MaxFeePerGasWei)
		metrics.FeeEstimatesTotal.WithLabelValues("legacy").Inc()
	}

	plan.EstimatedCost = new(big.Int).Mul(
		new(big.Int).SetUint64(plan.GasLimit), plan.PricePerGas())

	e.logger.Debug("fee plan built",
		"gas_limit", plan.GasLimit,
		"dynamic", plan.Dynamic,
		"price_per_gas", plan.PricePerGas().String(),
		"congestion", plan.Congestion,
		"urgency", urgency,
	)
	return plan
}

// ReestimateGasLimit refreshes the gas limit for a retry attempt, with the
// same buffer and history adjustment as the initial estimate.
func (e *Estimator) ReestimateGasLimit(ctx context.Context, draft Draft) uint64 {
	return e.gasLimit(ctx, draft)
}

// ObserveGasUsed feeds actual consumption from a receipt back into the
// per-recipient history table.
func (e *Estimator) ObserveGasUsed(to common.Address, gasUsed uint64) {
	e.history.observe(to, gasUsed)
}

func (e *Estimator) gasLimit(ctx context.Context, draft Draft) uint64 {
	estimate, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  draft.From,
		To:    &draft.To,
		Value: draft.Amount,
		Data:  draft.Data,
	})
	if err != nil {
		estimate = fallbackTransferGasLimit
		if len(draft.Data) > 0 {
			estimate = fallbackContractGasLimit
		}
		e.logger.Warn("gas estimation failed, using fallback limit",
			"error", err, "fallback", estimate)
	}

	buffered := e.buffer(estimate)
	adjusted, raised := e.history.adjust(draft.To, buffered)
	if raised {
		metrics.GasHistoryAdjustments.Inc()
		e.logger.Debug("gas limit raised from usage history",
			"to", draft.To.Hex(), "buffered", buffered, "adjusted", adjusted)
	}
	return adjusted
}

func (e *Estimator) buffer(gasLimit uint64) uint64 {
	return gasLimit * uint64(100+e.cfg.GasBufferPercent) / 100
}

// fallbackPlan is the conservative answer when the node cannot be asked:
// fallback gas limit (still buffered), flat 30 gwei legacy price, medium
// congestion.
func (e *Estimator) fallbackPlan(draft Draft) *model.FeePlan {
	gasLimit := fallbackTransferGasLimit
	if len(draft.Data) > 0 {
		gasLimit = fallbackContractGasLimit
	}
	plan := &model.FeePlan{
		GasLimit:   e.buffer(uint64(gasLimit)),
		GasPrice:   gwei(fallbackGasPriceGwei),
		Congestion: model.CongestionMedium,
	}
	plan.EstimatedCost = new(big.Int).Mul(
		new(big.Int).SetUint64(plan.GasLimit), plan.GasPrice)
	return plan
}

func (e *Estimator) urgencyFactor(urgency model.Urgency) float64 {
	switch urgency {
	case model.UrgencyLow:
		return lowUrgencyFactor
	case model.UrgencyHigh:
		return e.cfg.HighUrgencyFactor
	default:
		return 1.0
	}
}

// classifyCongestion buckets the current gas price in gwei. Advisory only.
func classifyCongestion(gasPrice *big.Int) model.Congestion {
	if gasPrice == nil {
		return model.CongestionMedium
	}
	inGwei := new(big.Int).Div(gasPrice, big.NewInt(params.GWei))
	switch {
	case inGwei.Cmp(big.NewInt(congestionLowGwei)) < 0:
		return model.CongestionLow
	case inGwei.Cmp(big.NewInt(congestionMediumGwei)) < 0:
		return model.CongestionMedium
	default:
		return model.CongestionHigh
	}
}

// scale multiplies x by a float factor, rounding down.
func scale(x *big.Int, factor float64) *big.Int {
	if x == nil {
		return nil
	}
	if factor == 1.0 {
		return new(big.Int).Set(x)
	}
	scaled, _ := new(big.Float).Mul(new(big.Float).SetInt(x), big.NewFloat(factor)).Int(nil)
	return scaled
}

// clamp caps x at ceiling, never rejecting.
func clamp(x, ceiling *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	if x.Cmp(ceiling) > 0 {
		return new(big.Int).Set(ceiling)
	}
	return x
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.GWei))
}
