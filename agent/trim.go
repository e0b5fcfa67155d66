package agent

const (
	DefaultMaxSteps    = 100
	DefaultMaxMessages = 50
)

// Trim bounds the step and message logs. Pending tool calls always
// survive; the remaining room up to maxSteps goes to the most recent other
// steps, so the log never holds more than max(maxSteps, pending) steps.
// Messages keep the most recent maxMessages. Non-positive limits mean the
// defaults. Trim returns how many steps and messages it dropped.
func (a *Agent) Trim(maxSteps, maxMessages int) (droppedSteps, droppedMessages int) {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.steps) > maxSteps {
		pending := make(map[string]bool, len(a.pending))
		for _, id := range a.pending {
			pending[id] = true
		}
		room := maxSteps - len(a.pending)
		keep := make([]bool, len(a.steps))
		for i := len(a.steps) - 1; i >= 0; i-- {
			switch {
			case pending[a.steps[i].ID]:
				keep[i] = true
			case room > 0:
				keep[i] = true
				room--
			}
		}
		// Steps are appended in timestamp order; filtering keeps it.
		kept := make([]Step, 0, maxSteps)
		for i, s := range a.steps {
			if keep[i] {
				kept = append(kept, s)
			}
		}
		droppedSteps = len(a.steps) - len(kept)
		a.steps = kept
	}

	if n := len(a.messages); n > maxMessages {
		droppedMessages = n - maxMessages
		a.messages = append([]Message(nil), a.messages[n-maxMessages:]...)
	}
	return droppedSteps, droppedMessages
}
