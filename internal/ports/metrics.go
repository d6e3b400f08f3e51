package ports

import "time"

type Metrics interface {
	ObserveAcquire(outcome string)
	ObserveExtraction(outcome string, elapsed time.Duration)
}

type NopMetrics struct{}

func (NopMetrics) ObserveAcquire(string) {}

func (NopMetrics) ObserveExtraction(string, time.Duration) {}
