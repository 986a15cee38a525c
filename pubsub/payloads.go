package pubsub

// StateUpdate is published on a session's channel whenever a client successfully
// flushes a partial state write. State carries only the flushed fields, not the whole
// blob; Version is the server-assigned version of the merge that accepted them.
// Receivers must apply it through their own version gate.
type StateUpdate struct {
	SessionID string         `json:"sessionId"`
	State     map[string]any `json:"state"`
	Version   int64          `json:"version"`
}

func (*StateUpdate) Type() string {
	return "state-update"
}
