package endpoint

import "fmt"

// State is the lifecycle position of an Endpoint.
//
//	Unloaded -> Loading -> Ready
//	Loading  -> Failed -> Loading
//	Ready    -> Loading (Reload)
//	any      -> Unloaded (Close)
type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateObserver is notified after every state transition.
type StateObserver interface {
	ObserveState(name string, state State)
}

type StateObserverFunc func(name string, state State)

func (f StateObserverFunc) ObserveState(name string, state State) {
	f(name, state)
}
