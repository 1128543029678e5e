package types

// ActionType enumerates the mutations the executor knows how to apply.
type ActionType string

const (
	ActionMove   ActionType = "move"
	ActionSpam   ActionType = "spam"
	ActionFlag   ActionType = "flag"
	ActionRead   ActionType = "read"
	ActionDelete ActionType = "delete"
	ActionNoop   ActionType = "noop"
)

// Action is a classifier decision to enact against the mailbox.
type Action struct {
	Type   ActionType `json:"type"`
	Folder string     `json:"folder,omitempty"`
	Flags  []string   `json:"flags,omitempty"`
	Reason string     `json:"reason,omitempty"`
}
