package distribution

import "time"

const (
	DefaultInterval           = 16 * time.Millisecond
	DefaultPacketsPerInterval = 10
)

// BudgetPolicy caps how much one worker may send per interval.
type BudgetPolicy struct {
	ServerPacketsPerInterval int
	Interval                 time.Duration
}

func DefaultPolicy() BudgetPolicy {
	return BudgetPolicy{ServerPacketsPerInterval: DefaultPacketsPerInterval, Interval: DefaultInterval}
}

func (p BudgetPolicy) withDefaults() BudgetPolicy {
	if p.ServerPacketsPerInterval <= 0 {
		p.ServerPacketsPerInterval = DefaultPacketsPerInterval
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	return p
}

// IntervalsPerSecond is how many worker steps fit in one second.
func (p BudgetPolicy) IntervalsPerSecond() int {
	p = p.withDefaults()
	return max(1, int(time.Second/p.Interval))
}

// PacketsPerInterval converts a client's packets-per-second limit into a
// per-interval quota. A client limit of zero or less means no client
// limit. The result is never below one nor above the server ceiling.
func (p BudgetPolicy) PacketsPerInterval(clientPPS int) int {
	p = p.withDefaults()
	if clientPPS <= 0 {
		return p.ServerPacketsPerInterval
	}
	return min(p.ServerPacketsPerInterval, max(1, clientPPS/p.IntervalsPerSecond()))
}
