package chatsync

// OutcomeStatus classifies the result of a locally initiated action.
type OutcomeStatus string

const (
	// Applied means the action took effect and local state already reflects it.
	Applied OutcomeStatus = "applied"
	// Rejected means the action did not take effect. Reason says why.
	Rejected OutcomeStatus = "rejected"
	// Pending means the server accepted the request and the resulting state
	// change will arrive as a push event.
	Pending OutcomeStatus = "pending"
)

// Outcome is returned by every action that changes shared state.
type Outcome struct {
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

func applied() Outcome { return Outcome{Status: Applied} }

func rejected(reason string) Outcome { return Outcome{Status: Rejected, Reason: reason} }

// OK reports whether the action was accepted, now or eventually.
func (o Outcome) OK() bool {
	return o.Status == Applied || o.Status == Pending
}

// outcomeOf maps a result envelope to an outcome: SUCCESS applies, anything else rejects
// with the server's message.
func outcomeOf(res *Result, onSuccess OutcomeStatus) Outcome {
	if res.OK() {
		return Outcome{Status: onSuccess}
	}
	reason := res.Message
	if reason == "" {
		reason = res.Status
	}
	if reason == "" {
		reason = "request was not accepted"
	}
	return rejected(reason)
}
