package durable

// Status is an object's lifecycle state.
type Status string

// Lifecycle states.
const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusHibernating  Status = "hibernating"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
)

// transitions is the legal status graph.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusActive},
	StatusActive:       {StatusIdle, StatusHibernating, StatusTerminating},
	StatusIdle:         {StatusActive, StatusHibernating, StatusTerminating},
	StatusHibernating:  {StatusActive, StatusTerminating},
	StatusTerminating:  {StatusTerminated},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusActive, StatusIdle,
		StatusHibernating, StatusTerminating, StatusTerminated:
		return true
	}
	return false
}

// Retired reports whether s rejects all further requests.
func (s Status) Retired() bool {
	return s == StatusTerminating || s == StatusTerminated
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return string(s)
}
