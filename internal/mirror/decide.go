package mirror

// EventKind is the kind of message event observed on the bus.
type EventKind int

const (
	EventCreate EventKind = iota
	EventUpdate
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Action is what the engine does in response to one event.
type Action int

const (
	ActionNoOp Action = iota
	ActionCreate
	ActionReplace
	ActionEditHeader
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionNoOp:
		return "noop"
	case ActionCreate:
		return "create"
	case ActionReplace:
		return "replace"
	case ActionEditHeader:
		return "edit_header"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// State is everything Decide needs to know about one origin message.
type State struct {
	// Mirrored is true when the ledger holds an entry for the origin.
	Mirrored bool
	// HasImages is true when extraction produced at least one candidate.
	HasImages bool
	// Unchanged is true when the candidate set equals the recorded one.
	Unchanged bool
	// SkipUnchanged enables in-place header edits for unchanged candidates.
	SkipUnchanged bool
}

// Decide maps an event and the origin's state to an action. Source-channel
// and self-author filtering happen before Decide is consulted.
func Decide(kind EventKind, state State) Action {
	switch kind {
	case EventCreate:
		if state.HasImages {
			return ActionCreate
		}
		return ActionNoOp
	case EventUpdate:
		if !state.HasImages {
			if state.Mirrored {
				return ActionDelete
			}
			return ActionNoOp
		}
		if !state.Mirrored {
			return ActionCreate
		}
		if state.SkipUnchanged && state.Unchanged {
			return ActionEditHeader
		}
		return ActionReplace
	case EventDelete:
		if state.Mirrored {
			return ActionDelete
		}
		return ActionNoOp
	default:
		return ActionNoOp
	}
}
