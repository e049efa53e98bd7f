package flashloan

import (
	"context"
	"fmt"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/pkg/usdc"
)

// Leg 是套利路径上的一次兑换，返回兑换后的金额。
type Leg struct {
	Provider string
	Execute  func(ctx context.Context, amount float64) (float64, error)
}

// ArbitrageCallback 依次执行各兑换步骤，最终金额覆盖本金加手续费即视为成功。
func ArbitrageCallback(legs ...Leg) Callback {
	return func(ctx context.Context, loan Loan) (CallbackResult, error) {
		if len(legs) == 0 {
			return CallbackResult{}, xerrors.New(xerrors.CodeInvalidArgument, "arbitrage requires at least one leg")
		}
		amount := loan.Amount
		for i, leg := range legs {
			if err := ctx.Err(); err != nil {
				return CallbackResult{}, err
			}
			if leg.Execute == nil {
				return CallbackResult{}, xerrors.Newf(xerrors.CodeInvalidArgument, "arbitrage leg %d has no executor", i)
			}
			out, err := leg.Execute(ctx, amount)
			if err != nil {
				return CallbackResult{}, fmt.Errorf("leg %d (%s): %w", i, leg.Provider, err)
			}
			amount = out
		}
		return settle(loan, amount), nil
	}
}

// Step 是多步操作中的一步。Execute 可为空。
type Step struct {
	Name    string
	Cost    float64
	Value   float64
	Execute func(ctx context.Context) error
}

// MultiStepCallback 依次执行各步骤，收益为借款金额减去成本、加上各步价值与 expectedRevenue。
func MultiStepCallback(steps []Step, expectedRevenue float64) Callback {
	return func(ctx context.Context, loan Loan) (CallbackResult, error) {
		proceeds := loan.Amount
		for _, step := range steps {
			if err := ctx.Err(); err != nil {
				return CallbackResult{}, err
			}
			if step.Execute != nil {
				if err := step.Execute(ctx); err != nil {
					return CallbackResult{}, fmt.Errorf("step %s: %w", step.Name, err)
				}
			}
			proceeds = usdc.Add(usdc.Sub(proceeds, step.Cost), step.Value)
		}
		return settle(loan, usdc.Add(proceeds, expectedRevenue)), nil
	}
}

func settle(loan Loan, proceeds float64) CallbackResult {
	required := loan.Required()
	if usdc.Round(proceeds) < usdc.Round(required) {
		// 全部所得用于还款，不足部分由 Flash 判定为违约。
		return CallbackResult{Success: true, RepaidAmount: usdc.Round(proceeds)}
	}
	return CallbackResult{
		Success:      true,
		RepaidAmount: required,
		Profit:       usdc.Sub(proceeds, required),
	}
}
