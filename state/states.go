package state

import (
	"errors"
	"fmt"
	"slices"
)

// Disposition is the lifecycle position of an alias.
type Disposition string

const (
	DispositionAvailable Disposition = "available"
	DispositionReserved  Disposition = "reserved"
	DispositionConsumed  Disposition = "consumed"
	DispositionAbandoned Disposition = "abandoned"
)

var dispositionTransitions = map[Disposition][]Disposition{
	DispositionAvailable: {DispositionReserved},
	DispositionReserved:  {DispositionConsumed, DispositionAbandoned, DispositionAvailable},
	DispositionAbandoned: {DispositionReserved},
	DispositionConsumed:  {},
}

// TransitionError signals an illegal disposition change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStateError signals a value outside the documented lifecycle.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

// ValidateDisposition checks that an alias may move from one disposition to
// another.
func ValidateDisposition(alias string, from, to Disposition) error {
	allowed, ok := dispositionTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "alias", State: string(from)}
	}
	if _, ok := dispositionTransitions[to]; !ok {
		return UnknownStateError{Entity: "alias", State: string(to)}
	}
	if !slices.Contains(allowed, to) {
		return TransitionError{Entity: "alias", ID: alias, From: string(from), To: string(to)}
	}
	return nil
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStateError(err error) bool {
	var ue UnknownStateError
	return errors.As(err, &ue)
}
