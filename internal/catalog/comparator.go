package catalog

import "math"

const (
	CompareGT  = "gt"
	CompareGTE = "gte"
	CompareLT  = "lt"
	CompareLTE = "lte"
	CompareEQ  = "eq"
)

func ValidComparator(op string) bool {
	switch op {
	case CompareGT, CompareGTE, CompareLT, CompareLTE, CompareEQ:
		return true
	}
	return false
}

// Compare applies op to (value, threshold). Unknown operators never match.
func Compare(op string, value, threshold float64) bool {
	switch op {
	case CompareGT:
		return value > threshold
	case CompareGTE:
		return value >= threshold
	case CompareLT:
		return value < threshold
	case CompareLTE:
		return value <= threshold
	case CompareEQ:
		return math.Abs(value-threshold) < 1e-9
	default:
		return false
	}
}
