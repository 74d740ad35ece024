package telemetry

import (
	"time"
)

// HourlyEnergy 一个整点小时的发电量
type HourlyEnergy struct {
	Hour      int       `json:"hour"`
	Date      string    `json:"date"`
	EnergyWh  float64   `json:"energy_wh"`
	Samples   int       `json:"samples"`
	Timestamp time.Time `json:"timestamp"`
}

// EnergyAggregator 按固定间隔采样功率，整点切换时汇总上一小时的能量
type EnergyAggregator struct {
	interval   time.Duration
	lastSample time.Time
	samples    []float64
}

// NewEnergyAggregator 创建能量聚合器
func NewEnergyAggregator(interval time.Duration) *EnergyAggregator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &EnergyAggregator{interval: interval}
}

// Add 提交一次读数，返回刚结束的小时（若有）
func (a *EnergyAggregator) Add(now time.Time, voltage, current float64) *HourlyEnergy {
	power := clamp(voltage) * clamp(current)

	if a.lastSample.IsZero() {
		a.lastSample = now
		a.samples = append(a.samples, power)
		return nil
	}

	if !sameHour(now, a.lastSample) {
		done := a.flush(a.lastSample)
		a.lastSample = now
		a.samples = append(a.samples, power)
		return done
	}

	if now.Sub(a.lastSample) >= a.interval {
		a.samples = append(a.samples, power)
		a.lastSample = now
	}
	return nil
}

// flush 每个样本代表一个采样间隔内的平均功率
func (a *EnergyAggregator) flush(hourOf time.Time) *HourlyEnergy {
	var sum float64
	for _, p := range a.samples {
		sum += p
	}
	e := &HourlyEnergy{
		Hour:      hourOf.Hour(),
		Date:      hourOf.Format("2006-01-02"),
		EnergyWh:  sum * a.interval.Hours(),
		Samples:   len(a.samples),
		Timestamp: hourOf.Truncate(time.Hour),
	}
	a.samples = a.samples[:0]
	return e
}

func sameHour(a, b time.Time) bool {
	return a.Truncate(time.Hour).Equal(b.Truncate(time.Hour))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
