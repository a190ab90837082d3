package zone

import "fmt"

// State tags an Outcome.
type State uint8

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Outcome is the result of a zone: pending, success with an ordered list of
// values, or failure with an error. Values and error are never both set.
type Outcome struct {
	state  State
	values []any
	err    error
}

// Success returns a successful outcome carrying values. A success with no
// values still reports an empty, non-nil slice.
func Success(values ...any) Outcome {
	if values == nil {
		values = []any{}
	}
	return Outcome{state: Succeeded, values: values}
}

// Failure returns a failed outcome.
func Failure(err error) Outcome { return Outcome{state: Failed, err: err} }

func (o Outcome) State() State  { return o.state }
func (o Outcome) Done() bool    { return o.state != Pending }
func (o Outcome) Err() error    { return o.err }
func (o Outcome) Values() []any { return o.values }

func (o Outcome) String() string {
	switch o.state {
	case Succeeded:
		return fmt.Sprintf("succeeded%v", o.values)
	case Failed:
		return fmt.Sprintf("failed: %v", o.err)
	default:
		return "pending"
	}
}
