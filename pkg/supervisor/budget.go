package supervisor

// ConcurrencyBudget is the admission-control limit on simultaneously live
// workers. It is mutated only under the Supervisor's mutex, inside its
// coordination loop or its public entry points. Admission never pushes Live
// past Max; startup recovery may re-attach more live workers than Max (the
// cap was lowered across a restart), in which case Live exceeds Max until
// the pool drains and Full keeps gating new admissions the whole time.
type ConcurrencyBudget struct {
	Max  int
	Live int
}

// Full reports whether the budget is exhausted.
func (b *ConcurrencyBudget) Full() bool {
	return b.Live >= b.Max
}

// Acquire increments the live count. Callers must have checked Full first;
// Acquire panics on overflow because that indicates a supervisor bug, not a
// runtime condition.
func (b *ConcurrencyBudget) Acquire() {
	if b.Full() {
		panic("concurrency budget overflow")
	}
	b.Live++
}

// AcquireRecovered increments the live count without the overflow check.
// Only startup recovery uses it: every re-attached worker is a real process
// that must be counted even when more survive a restart than Max allows.
func (b *ConcurrencyBudget) AcquireRecovered() {
	b.Live++
}

// Release decrements the live count, clamping at zero so idempotent
// terminal transitions cannot drive it negative.
func (b *ConcurrencyBudget) Release() {
	if b.Live > 0 {
		b.Live--
	}
}
