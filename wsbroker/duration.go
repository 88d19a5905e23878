package wsbroker

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// two-letter units first so "ms" is not read as "m"
	{"ns", time.Nanosecond},
	{"us", time.Microsecond},
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
}

// decimalMagnitude keeps ParseFloat from accepting hex, underscores, Inf
// and NaN.
var decimalMagnitude = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ParseDuration parses a single-segment duration such as "250ms" or "1.5h".
// Composite values like "1h30m" are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, u := range durationUnits {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		magnitude := strings.TrimSuffix(s, u.suffix)
		if magnitude == "" {
			break
		}
		if !decimalMagnitude.MatchString(magnitude) {
			break
		}
		f, err := strconv.ParseFloat(magnitude, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			break
		}
		return scaleDuration(f, u.unit, s)
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
}

func scaleDuration(f float64, unit time.Duration, raw string) (time.Duration, error) {
	ns := math.Round(f * float64(unit))
	if ns >= math.MaxInt64 || ns < math.MinInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, raw)
	}
	return time.Duration(ns), nil
}

const maxSeconds = math.MaxInt64 / int64(time.Second)

func secondsInt(n int64) (time.Duration, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidDuration, n)
	}
	return secondsUint(uint64(n))
}

func secondsUint(n uint64) (time.Duration, error) {
	if n > uint64(maxSeconds) {
		return 0, fmt.Errorf("%w: %d seconds overflows", ErrInvalidDuration, n)
	}
	return time.Duration(n) * time.Second, nil
}

// DurationValue converts an embedding-friendly value into a duration.
// Numbers are seconds, strings go through ParseDuration and nil is zero.
func DurationValue(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return d, nil
	case *time.Duration:
		if d == nil {
			return 0, nil
		}
		return *d, nil
	case string:
		return ParseDuration(d)
	case int:
		return secondsInt(int64(d))
	case int32:
		return secondsInt(int64(d))
	case int64:
		return secondsInt(d)
	case uint:
		return secondsUint(uint64(d))
	case uint32:
		return secondsUint(uint64(d))
	case uint64:
		return secondsUint(d)
	case float32:
		return scaleDuration(float64(d), time.Second, fmt.Sprint(d))
	case float64:
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, d)
		}
		return scaleDuration(d, time.Second, fmt.Sprint(d))
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidDuration, v)
	}
}
