package am

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emfacilities/emfac/errors"
)

var timeoutPattern = regexp.MustCompile(`^\d+[dhms]?( \d+[dhms])*$`)

var timeoutUnits = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseTimeout parses a node timeout: bare seconds ("300") or space
// separated unit terms ("1d 2h 20m 15s"). An empty string means no
// timeout.
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !timeoutPattern.MatchString(s) {
		return 0, errors.NewInvalidParameter("timeout", "%q is neither seconds nor a \"1d 2h 20m 15s\" duration", s)
	}

	var total time.Duration
	for _, term := range strings.Fields(s) {
		unit := time.Second
		if u, ok := timeoutUnits[term[len(term)-1]]; ok {
			unit = u
			term = term[:len(term)-1]
		}
		n, err := strconv.ParseInt(term, 10, 64)
		if err != nil {
			return 0, errors.NewInvalidParameter("timeout", "%q: %v", s, err)
		}
		if n > math.MaxInt64/int64(unit) {
			return 0, errors.NewInvalidParameter("timeout", "%q: term %s exceeds the longest duration", s, term)
		}
		d := time.Duration(n) * unit
		if total > math.MaxInt64-d {
			return 0, errors.NewInvalidParameter("timeout", "%q exceeds the longest duration", s)
		}
		total += d
	}
	return total, nil
}
