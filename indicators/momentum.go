package indicators

// ========== 动量指标 ==========

// RSI 相对强弱指数（EMA 平滑），输入为收盘价序列
func RSI(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}

	gains := make([]float64, len(closes)-1)
	losses := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i-1] = change
		} else {
			losses[i-1] = -change
		}
	}

	avgGain := EMA(gains, period)
	avgLoss := EMA(losses, period)
	if avgGain == nil || avgLoss == nil {
		return nil
	}

	result := make([]float64, len(avgGain))
	for i := range avgGain {
		if avgLoss[i] == 0 {
			result[i] = 100
		} else {
			rs := avgGain[i] / avgLoss[i]
			result[i] = 100 - 100/(1+rs)
		}
	}
	return result
}

// Momentum 动量：当前值 / period 前的值 - 1
func Momentum(values []float64, period int) float64 {
	if period <= 0 || len(values) <= period {
		return 0
	}
	prev := values[len(values)-1-period]
	if prev == 0 {
		return 0
	}
	return values[len(values)-1]/prev - 1
}

// Signal RSI 信号：超卖 1，超买 -1，否则 0
func Signal(rsi float64) int {
	if rsi < 30 {
		return 1
	}
	if rsi > 70 {
		return -1
	}
	return 0
}
