package credit

import (
	"math"
	"time"
)

// 各因子权重
const (
	WeightPaymentHistory    = 0.35
	WeightCreditUtilization = 0.30
	WeightAccountAge        = 0.15
	WeightCreditMix         = 0.10
	WeightRecentActivity    = 0.10

	MinScore = 300
	MaxScore = 850

	recentWindow = 30 * 24 * time.Hour
)

// CalculateCreditScore 按权重合成信用分，结果位于 [300,850]。
func CalculateCreditScore(f Factors) int {
	raw := f.PaymentHistory*WeightPaymentHistory +
		f.CreditUtilization*WeightCreditUtilization +
		f.AccountAge*WeightAccountAge +
		f.CreditMix*WeightCreditMix +
		f.RecentActivity*WeightRecentActivity
	score := int(math.Round(300 + raw*5.5))
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// TierForScore 返回分数所在的分档。
func TierForScore(score int) Tier {
	switch {
	case score >= 800:
		return TierExceptional
	case score >= 740:
		return TierExcellent
	case score >= 670:
		return TierGood
	case score >= 580:
		return TierFair
	default:
		return TierSubprime
	}
}

// computeFactors 根据档案计数器和流水计算五个因子。
func computeFactors(p *Profile, txs []Transaction, now time.Time) Factors {
	return Factors{
		PaymentHistory:    paymentHistoryFactor(p),
		CreditUtilization: utilizationFactor(p.CurrentBalance, p.CreditLimit),
		AccountAge:        accountAgeFactor(p.AccountAgeDays),
		CreditMix:         creditMixFactor(txs),
		RecentActivity:    recentActivityFactor(txs, now),
	}
}

func paymentHistoryFactor(p *Profile) float64 {
	if p.TotalTransactions == 0 {
		return 100
	}
	total := float64(p.TotalTransactions)
	lateRate := float64(p.LatePayments) / total
	defaultRate := float64(p.Defaults) / total
	return clamp(100-lateRate*30-defaultRate*70, 0, 100)
}

func utilizationFactor(balance, limit float64) float64 {
	if limit <= 0 {
		if balance <= 0 {
			return 100
		}
		return 20
	}
	u := balance / limit
	switch {
	case u < 0.1:
		return 100
	case u < 0.3:
		return 80
	case u < 0.5:
		return 60
	case u < 0.75:
		return 40
	default:
		return 20
	}
}

func accountAgeFactor(days int) float64 {
	switch {
	case days < 30:
		return 40
	case days < 90:
		return 60
	case days < 180:
		return 80
	default:
		return 100
	}
}

func creditMixFactor(txs []Transaction) float64 {
	if len(txs) == 0 {
		return 60
	}
	types := make(map[TransactionType]struct{}, 4)
	var sum float64
	for _, tx := range txs {
		types[tx.Type] = struct{}{}
		sum += tx.Amount
	}
	score := 60 + 10*float64(len(types))
	if sum/float64(len(txs)) > 10 {
		score += 10
	}
	return math.Min(score, 100)
}

// recentActivityFactor 统计最近 30 天内状态为 completed 的流水占比。逾期还款的惩罚只体现在还款记录因子中。
func recentActivityFactor(txs []Transaction, now time.Time) float64 {
	cutoff := now.Add(-recentWindow)
	var total, ok int
	for _, tx := range txs {
		if tx.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if tx.Status == TxCompleted {
			ok++
		}
	}
	if total == 0 {
		return 80
	}
	return float64(ok) / float64(total) * 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
