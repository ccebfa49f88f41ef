package metrics

// Policy defines how repeated reports of one metric combine.
type Policy int

const (
	PolicyNone      Policy = iota // No specific policy specified
	PolicySet                     // Instantaneous value - last value wins
	PolicySum                     // Sum of all values
	PolicyStopwatch               // Timer - measures duration
)

func (p Policy) String() string {
	switch p {
	case PolicySet:
		return "gauge"
	case PolicySum:
		return "counter"
	case PolicyStopwatch:
		return "stopwatch"
	default:
		return "none"
	}
}

// Value represents a metric value as a float64.
type Value float64

// Dimension carries label pairs such as {"group":"cscm","function":"0x1001"}.
type Dimension map[string]string
