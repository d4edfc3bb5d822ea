package libre

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// AverageFunc receives the averaged reading, the samples it was computed
// from, and the history returned alongside the last sample.
type AverageFunc func(average Reading, samples []Reading, history []Reading)

// Poller repeatedly reads from a client on a fixed delay, buffers distinct
// samples by timestamp, and emits an averaged reading every time amount
// samples have been collected. Each firing schedules the next one after it
// completes, so passes never overlap.
type Poller struct {
	client    *Client
	amount    int
	interval  time.Duration
	onAverage AverageFunc
	logger    *zap.Logger
}

// NewPoller builds a poller emitting averages of amount samples read every
// interval.
func NewPoller(client *Client, amount int, interval time.Duration, onAverage AverageFunc, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		client:    client,
		amount:    amount,
		interval:  interval,
		onAverage: onAverage,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled. Read failures are logged and the loop
// continues; an in-flight read is not forcibly aborted beyond ctx.
func (p *Poller) Run(ctx context.Context) {
	samples := make(map[time.Time]Reading)
	for {
		current, history, err := p.client.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("poll read failed", zap.Error(err))
		} else {
			samples[current.Timestamp] = current
			if len(samples) >= p.amount {
				buf := make([]Reading, 0, len(samples))
				for _, r := range samples {
					buf = append(buf, r)
				}
				avg := AverageReadings(buf, current)
				samples = make(map[time.Time]Reading)
				p.onAverage(avg, buf, history)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// trendOrder positions trends on a scale from falling fast to rising fast
// so they can be averaged. NotComputable sits with Flat.
var trendOrder = map[Trend]int{
	TrendSingleDown:    1,
	TrendFortyFiveDown: 2,
	TrendFlat:          3,
	TrendFortyFiveUp:   4,
	TrendSingleUp:      5,
}

// AverageReadings folds samples into one reading: mean value rounded to the
// nearest integer, mean trend index, and the flags and timestamp of latest.
func AverageReadings(samples []Reading, latest Reading) Reading {
	if len(samples) == 0 {
		return latest
	}
	var valueSum float64
	var trendSum int
	for _, r := range samples {
		valueSum += r.Value
		idx, ok := trendOrder[r.Trend]
		if !ok {
			idx = trendOrder[TrendFlat]
		}
		trendSum += idx
	}
	avgIdx := int(math.Round(float64(trendSum) / float64(len(samples))))
	if avgIdx < 0 {
		avgIdx = 0
	}
	if avgIdx >= len(trendArrowTable) {
		avgIdx = len(trendArrowTable) - 1
	}
	return Reading{
		Value:     math.Round(valueSum / float64(len(samples))),
		Trend:     trendArrowTable[avgIdx],
		IsHigh:    latest.IsHigh,
		IsLow:     latest.IsLow,
		Timestamp: latest.Timestamp,
	}
}
