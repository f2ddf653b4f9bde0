package store

import (
	"strconv"
	"strings"
	"time"
)

// ParsePTDuration parses a Hue "PT<h>:<m>:<s>" relative-time localtime
// value into a duration, as used by schedule creation/enable (§4.5).
func ParsePTDuration(localtime string) (time.Duration, bool) {
	if !strings.HasPrefix(localtime, "PT") {
		return 0, false
	}
	parts := strings.Split(localtime[2:], ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, true
}
