package ingest

// Observer receives session events. The session serialises every call, so
// implementations need no locking of their own.
type Observer interface {
	OnState(st State)
	OnProgress(stage Stage, done, total int)
	OnIssue(is Issue)
	OnItemOutcome(o UploadOutcome)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	State       func(State)
	Progress    func(Stage, int, int)
	Issue       func(Issue)
	ItemOutcome func(UploadOutcome)
}

func (f ObserverFuncs) OnState(st State) {
	if f.State != nil {
		f.State(st)
	}
}

func (f ObserverFuncs) OnProgress(stage Stage, done, total int) {
	if f.Progress != nil {
		f.Progress(stage, done, total)
	}
}

func (f ObserverFuncs) OnIssue(is Issue) {
	if f.Issue != nil {
		f.Issue(is)
	}
}

func (f ObserverFuncs) OnItemOutcome(o UploadOutcome) {
	if f.ItemOutcome != nil {
		f.ItemOutcome(o)
	}
}

// Event is the serialisable form of one observer call, used by transports
// that fan events out to remote subscribers.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	State     State          `json:"state,omitempty"`
	Stage     Stage          `json:"stage,omitempty"`
	Done      int            `json:"done,omitempty"`
	Total     int            `json:"total,omitempty"`
	Issue     *Issue         `json:"issue,omitempty"`
	Outcome   *UploadOutcome `json:"outcome,omitempty"`
}

// Event types.
const (
	EventState    = "state"
	EventProgress = "progress"
	EventIssue    = "issue"
	EventOutcome  = "outcome"
)

// EventObserver converts observer calls into Events passed to emit.
func EventObserver(sessionID string, emit func(Event)) Observer {
	return ObserverFuncs{
		State: func(st State) {
			emit(Event{Type: EventState, SessionID: sessionID, State: st})
		},
		Progress: func(stage Stage, done, total int) {
			emit(Event{Type: EventProgress, SessionID: sessionID, Stage: stage, Done: done, Total: total})
		},
		Issue: func(is Issue) {
			emit(Event{Type: EventIssue, SessionID: sessionID, Stage: is.Stage, Issue: &is})
		},
		ItemOutcome: func(o UploadOutcome) {
			emit(Event{Type: EventOutcome, SessionID: sessionID, Stage: StageUpload, Outcome: &o})
		},
	}
}

type multiObserver []Observer

// MultiObserver fans every call out to each observer in order.
func MultiObserver(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) OnState(st State) {
	for _, o := range m {
		o.OnState(st)
	}
}

func (m multiObserver) OnProgress(stage Stage, done, total int) {
	for _, o := range m {
		o.OnProgress(stage, done, total)
	}
}

func (m multiObserver) OnIssue(is Issue) {
	for _, o := range m {
		o.OnIssue(is)
	}
}

func (m multiObserver) OnItemOutcome(out UploadOutcome) {
	for _, o := range m {
		o.OnItemOutcome(out)
	}
}
