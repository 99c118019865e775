package vault

import (
	"math"
	"time"
)

// pnlOverWindow is the value change from the oldest in-window point to the
// latest. Fewer than two points, or no point inside the window, means no
// measurable change.
func pnlOverWindow(series []PortfolioPoint, now time.Time, window time.Duration) float64 {
	if len(series) < 2 {
		return 0
	}
	current := series[len(series)-1].AccountValue
	cutoff := now.Add(-window)

	start := current
	for _, p := range series {
		if !p.Timestamp.Before(cutoff) {
			start = p.AccountValue
			break
		}
	}
	return current - start
}

// sharpeRatio annualizes mean period return over return volatility. Needs at
// least 30 usable returns; flat series have no defined ratio.
func sharpeRatio(series []PortfolioPoint) *float64 {
	if len(series) < 30 {
		return nil
	}
	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev := series[i-1].AccountValue
		if prev > 0 {
			returns = append(returns, (series[i].AccountValue-prev)/prev)
		}
	}
	if len(returns) < 30 {
		return nil
	}

	m := mean(returns)
	sd := sampleStdDev(returns, m)
	if sd == 0 {
		return nil
	}
	sharpe := (m * 365) / (sd * math.Sqrt(365))
	return &sharpe
}

// maxDrawdownPct is the largest percentage decline from a running peak.
func maxDrawdownPct(series []PortfolioPoint) *float64 {
	if len(series) < 2 {
		return nil
	}
	peak := series[0].AccountValue
	maxDD := 0.0
	for _, p := range series {
		if p.AccountValue > peak {
			peak = p.AccountValue
		}
		if peak > 0 {
			if dd := (peak - p.AccountValue) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	pct := maxDD * 100
	return &pct
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStdDev uses the n-1 denominator.
func sampleStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
