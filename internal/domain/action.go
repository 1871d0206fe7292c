package domain

import (
	"fmt"
	"strings"
)

// Action is the classified outcome of a cycle and the outcome a wager backs.
// The numeric values match the result codes understood by the game contract,
// and the zero value is invalid.
type Action uint8

const (
	ActionMint    Action = 1
	ActionBurn    Action = 2
	ActionNeutral Action = 3
)

// Actions lists every valid action in contract-code order.
var Actions = []Action{ActionMint, ActionBurn, ActionNeutral}

// String returns the upper-case wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionMint:
		return "MINT"
	case ActionBurn:
		return "BURN"
	case ActionNeutral:
		return "NEUTRAL"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Valid reports whether a is one of the three defined actions.
func (a Action) Valid() bool {
	return a == ActionMint || a == ActionBurn || a == ActionNeutral
}

// ContractCode returns the uint8 result code passed to closeRound.
func (a Action) ContractCode() uint8 {
	return uint8(a)
}

// ParseAction parses a case-insensitive action name.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MINT":
		return ActionMint, nil
	case "BURN":
		return ActionBurn, nil
	case "NEUTRAL":
		return ActionNeutral, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", ErrValidation, s)
	}
}

// MarshalText implements encoding.TextMarshaler. The zero value, used by a
// cycle that has not been classified yet, encodes as an empty string.
func (a Action) MarshalText() ([]byte, error) {
	if a == 0 {
		return []byte{}, nil
	}
	if !a.Valid() {
		return nil, fmt.Errorf("domain: cannot marshal invalid action %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = 0
		return nil
	}
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
