package fetcher

// RetryBudget counts the attempts left in one fetch sequence. Disconnects and
// timeouts draw from the same budget.
type RetryBudget struct {
	max       int
	remaining int
}

// NewRetryBudget returns a budget allowing max attempts in total.
func NewRetryBudget(max int) *RetryBudget {
	if max < 1 {
		max = 1
	}
	return &RetryBudget{max: max, remaining: max}
}

// Consume records a transient failure and reports whether another attempt
// may be made.
func (b *RetryBudget) Consume() bool {
	if b.remaining > 0 {
		b.remaining--
	}
	return b.remaining > 0
}

// Remaining returns the attempts left.
func (b *RetryBudget) Remaining() int { return b.remaining }

// Max returns the configured number of attempts.
func (b *RetryBudget) Max() int { return b.max }

// Used returns how many attempts have failed so far.
func (b *RetryBudget) Used() int { return b.max - b.remaining }
