package domain

// Operator is a threshold comparison applied to a sampled value.
type Operator string

const (
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpEQ Operator = "="
)

// Valid reports whether o is a recognized operator.
func (o Operator) Valid() bool {
	switch o {
	case OpLT, OpLE, OpGT, OpGE, OpEQ:
		return true
	}
	return false
}

// Evaluate applies the operator as `value o threshold`.
func (o Operator) Evaluate(value, threshold float64) bool {
	switch o {
	case OpLT:
		return value < threshold
	case OpLE:
		return value <= threshold
	case OpGT:
		return value > threshold
	case OpGE:
		return value >= threshold
	case OpEQ:
		return value == threshold
	}
	return false
}

// Severity ranks alert urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a recognized severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities for batching; higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
