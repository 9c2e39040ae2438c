package gateway

// Run origins. The protocol never announces "run started", so origin is
// decided heuristically on the first delta: a local call outstanding with an
// empty buffer claims the run; anything else is external activity on the
// shared session. The decision is made once per run and never revisited.
type RunOrigin int

const (
	OriginLocal RunOrigin = iota
	OriginExternal
)

// RunStatus tracks one chat run from submission to a terminal state.
type RunStatus int

const (
	RunPending RunStatus = iota
	RunStreaming
	RunFinal
	RunAborted
	RunErrored
)

// ToolCall is one tool invocation surfaced by agent events. Calls are
// matched by (name, running) pairs because the protocol carries no per-call
// ID; two concurrent calls sharing a name collapse into one entry. Known
// lossiness, kept for wire compatibility.
type ToolCall struct {
	Name   string
	Status string // "running", "done", "error"
	Detail string
}

// chatRun is the single run a sessionState tracks at a time.
type chatRun struct {
	origin  RunOrigin
	runID   string
	idemKey string
	buffer  string // latest cumulative text; deltas replace, never append
	status  RunStatus
}

// sessionState is the sans-I/O core shared by both client embodiments: a
// pure function of (current state, inbound event) to (new state, emitted
// actions). The adapters own all sockets, timers, and locks.
type sessionState struct {
	sessionKey string
	run        *chatRun
	toolCalls  []ToolCall
}

// action kinds emitted by the state machine.
type actionKind int

const (
	// actStream: the local run's cumulative text changed.
	actStream actionKind = iota
	// actExternalRunStarted: first delta of a run nobody here asked for.
	actExternalRunStarted
	// actResolveLocal: local run finished with content in the buffer.
	actResolveLocal
	// actReconcileLocal: local run finalized silently; recover via history.
	actReconcileLocal
	// actErrorLocal: local run ended with state "error".
	actErrorLocal
	// actAbortLocal: local run ended with state "aborted".
	actAbortLocal
	// actExternalMessage: an external run produced a deliverable message.
	actExternalMessage
	// actToolUpdate: the tool-call list changed.
	actToolUpdate
)

// action is one side effect the adapter must perform.
type action struct {
	kind    actionKind
	text    string
	errText string
	origin  RunOrigin
	usage   *Usage
	model   string
}

func newSessionState(sessionKey string) *sessionState {
	return &sessionState{sessionKey: sessionKey}
}

// beginLocalRun registers a locally-initiated run, clearing the streaming
// buffer and tool-call list from any previous turn.
func (s *sessionState) beginLocalRun(idemKey string) {
	s.run = &chatRun{origin: OriginLocal, idemKey: idemKey, status: RunPending}
	s.toolCalls = nil
}

// setRunID records the gateway-assigned run ID from the chat.send ack.
func (s *sessionState) setRunID(id string) {
	if s.run != nil && s.run.origin == OriginLocal {
		s.run.runID = id
	}
}

// clearLocalRun discards a local run that will never resolve (e.g. the
// caller's context expired).
func (s *sessionState) clearLocalRun() {
	if s.run != nil && s.run.origin == OriginLocal {
		s.run = nil
	}
}

func (s *sessionState) localOutstanding() bool {
	return s.run != nil && s.run.origin == OriginLocal && s.run.status < RunFinal
}

func (s *sessionState) buffer() string {
	if s.run == nil {
		return ""
	}
	return s.run.buffer
}

func (s *sessionState) streaming() bool {
	return s.run != nil && s.run.status == RunStreaming
}

func (s *sessionState) tools() []ToolCall {
	out := make([]ToolCall, len(s.toolCalls))
	copy(out, s.toolCalls)
	return out
}

// onChatEvent advances the machine for one broadcast chat event and returns
// the actions the adapter must carry out. Events for other sessions must be
// filtered out by the caller.
func (s *sessionState) onChatEvent(ev chatEventPayload) []action {
	switch ev.State {
	case "delta":
		return s.onDelta(ev)
	case "final":
		return s.onFinal(ev)
	case "error":
		return s.onError(ev)
	case "aborted":
		return s.onAborted(ev)
	}
	return nil
}

func (s *sessionState) onDelta(ev chatEventPayload) []action {
	text := ev.text()

	if s.run == nil {
		// Nobody here asked for this run: attribute it as external, once.
		s.run = &chatRun{origin: OriginExternal, runID: ev.RunID, status: RunStreaming, buffer: text}
		return []action{{kind: actExternalRunStarted}, {kind: actStream, text: text, origin: OriginExternal}}
	}

	if s.run.status == RunPending {
		// First delta while our call is outstanding and the buffer is still
		// empty: this is our run starting.
		s.run.status = RunStreaming
	}
	// Each delta carries the full text so far; replace, do not append.
	s.run.buffer = text
	return []action{{kind: actStream, text: text, origin: s.run.origin}}
}

func (s *sessionState) onFinal(ev chatEventPayload) []action {
	run := s.run
	s.run = nil
	if run == nil {
		// Terminal event with no tracked run and no buffered content:
		// nothing to deliver.
		if text := ev.text(); text != "" {
			return []action{{kind: actExternalMessage, text: text, usage: ev.Usage, model: ev.Model}}
		}
		return nil
	}

	run.status = RunFinal
	content := run.buffer
	if text := ev.text(); text != "" {
		content = text
	}

	if run.origin == OriginExternal {
		if content == "" {
			return nil
		}
		return []action{{kind: actExternalMessage, text: content, usage: ev.Usage, model: ev.Model}}
	}

	if content == "" {
		// Silent run: no delta ever observed. Recover through history
		// instead of resolving empty.
		return []action{{kind: actReconcileLocal}}
	}
	return []action{{kind: actResolveLocal, text: content, usage: ev.Usage, model: ev.Model}}
}

func (s *sessionState) onError(ev chatEventPayload) []action {
	run := s.run
	s.run = nil
	msg := ev.ErrorMessage
	if msg == "" {
		msg = "agent error"
	}
	if run == nil || run.origin == OriginExternal {
		return nil
	}
	run.status = RunErrored
	return []action{{kind: actErrorLocal, text: run.buffer, errText: msg}}
}

func (s *sessionState) onAborted(ev chatEventPayload) []action {
	run := s.run
	s.run = nil
	if run == nil || run.origin == OriginExternal {
		return nil
	}
	run.status = RunAborted
	return []action{{kind: actAbortLocal, text: run.buffer}}
}

// onAgentEvent folds a tool activity event into the tool-call list: a
// "running" event with no running entry of that name appends; any event with
// a matching entry updates it in place.
func (s *sessionState) onAgentEvent(ev agentEventPayload) []action {
	for i := range s.toolCalls {
		if s.toolCalls[i].Name == ev.Tool && s.toolCalls[i].Status == "running" {
			s.toolCalls[i].Status = ev.State
			if ev.Detail != "" {
				s.toolCalls[i].Detail = ev.Detail
			}
			return []action{{kind: actToolUpdate}}
		}
	}
	if ev.State == "running" {
		s.toolCalls = append(s.toolCalls, ToolCall{Name: ev.Tool, Status: ev.State, Detail: ev.Detail})
		return []action{{kind: actToolUpdate}}
	}
	return nil
}
