package core

import (
	"cmp"
	"math"
	"reflect"
	"strings"
)

// valuesEqual reports whether two context/literal values are equal. Numbers
// compare by value across Go numeric kinds; every other pair must have the
// same dynamic type.
func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	if isNumber(left) || isNumber(right) {
		return false
	}

	return reflect.DeepEqual(left, right)
}

// compareValues orders two numbers or two strings. ok is false for any other
// combination, including NaN.
func compareValues(left any, right any) (result int, ok bool) {
	if leftString, ok := left.(string); ok {
		rightString, ok := right.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(leftString, rightString), true
	}

	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return cmp.Compare(leftInt, rightInt), true
		}
		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return -1, true
			}
			return cmp.Compare(uint64(leftInt), rightUint), true
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return cmp.Compare(leftUint, rightUint), true
		}
		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return 1, true
			}
			return cmp.Compare(leftUint, uint64(rightInt)), true
		}
	}

	leftFloat, leftOK := asNumber(left)
	rightFloat, rightOK := asNumber(right)
	if !leftOK || !rightOK || math.IsNaN(leftFloat) || math.IsNaN(rightFloat) {
		return 0, false
	}

	return cmp.Compare(leftFloat, rightFloat), true
}

// asList returns the elements of a slice or array value.
func asList(value any) ([]any, bool) {
	if list, ok := value.([]any); ok {
		return list, true
	}

	values := reflect.ValueOf(value)
	if !values.IsValid() {
		return nil, false
	}
	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return nil, false
	}

	list := make([]any, values.Len())
	for i := range list {
		list[i] = values.Index(i).Interface()
	}
	return list, true
}

func listContains(list []any, value any) bool {
	for _, element := range list {
		if valuesEqual(value, element) {
			return true
		}
	}
	return false
}

func isNumber(value any) bool {
	_, ok := asNumber(value)
	return ok
}

func asNumber(value any) (float64, bool) {
	if number, ok := asInt64(value); ok {
		return float64(number), true
	}
	if number, ok := asUint64(value); ok {
		return float64(number), true
	}
	return asFloat64(value)
}

// asInteger returns value as an int64 when it is a whole number in range.
func asInteger(value any) (int64, bool) {
	if number, ok := asInt64(value); ok {
		return number, true
	}
	if number, ok := asUint64(value); ok {
		if number > math.MaxInt64 {
			return 0, false
		}
		return int64(number), true
	}
	if number, ok := asFloat64(value); ok {
		if !isWholeFinite(number) || number < math.MinInt64 || number >= math.MaxInt64 {
			return 0, false
		}
		return int64(number), true
	}
	return 0, false
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
