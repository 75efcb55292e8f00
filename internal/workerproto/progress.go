package workerproto

// MaxRunningProgress is the ceiling while a job is still processing; 100 is
// reserved for completion.
const MaxRunningProgress = 99

// Progress enforces clamped, non-decreasing progress values.
type Progress struct {
	current int
}

// Observe clamps value to [0, MaxRunningProgress] and reports the resulting
// progress and whether it advanced. Lower values are ignored.
func (p *Progress) Observe(value int) (int, bool) {
	if value < 0 {
		value = 0
	}
	if value > MaxRunningProgress {
		value = MaxRunningProgress
	}
	if value <= p.current {
		return p.current, false
	}
	p.current = value
	return value, true
}

// Current returns the last accepted value.
func (p *Progress) Current() int { return p.current }
