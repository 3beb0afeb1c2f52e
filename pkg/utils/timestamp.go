package utils

import (
	"fmt"
	"time"
)

// ParseEpoch converts a Unix timestamp in seconds or milliseconds to a time.
// The unit is detected from the magnitude.
func ParseEpoch(v int64) (time.Time, error) {
	switch {
	case v >= 1e9 && v < 1e10:
		return time.Unix(v, 0).UTC(), nil
	case v >= 1e12 && v < 1e13:
		return time.UnixMilli(v).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unknown timestamp format: %d", v)
	}
}
