package attention

// State is the engine's attention mode. It scales every computed score.
type State string

const (
	StateDistributed State = "distributed"
	StateShifting    State = "shifting"
	StateFocused     State = "focused"
	StateFatigued    State = "fatigued"
	StateRecovering  State = "recovering"
)

// Multiplier returns the score multiplier for the state.
func (s State) Multiplier() float64 {
	switch s {
	case StateFocused:
		return 1.2
	case StateShifting, StateRecovering:
		return 0.8
	case StateFatigued:
		return 0.6
	default:
		return 1.0
	}
}
