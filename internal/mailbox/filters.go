package mailbox

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Filters is the backend independent search filter mapping. Recognised
// keys are is_read, min_age_days, before, max_age_days and after.
type Filters map[string]any

// Criteria is the validated form of Filters.
type Criteria struct {
	IsRead *bool
	// Before and After bound the received date; zero means unbounded.
	Before time.Time
	After  time.Time
}

// Empty reports whether no restriction is set.
func (c Criteria) Empty() bool {
	return c.IsRead == nil && c.Before.IsZero() && c.After.IsZero()
}

var dateLayouts = []string{
	"2006-01-02",
	"02-Jan-2006",
	"2-Jan-2006",
	time.RFC3339,
}

// ParseFilters turns filters into Criteria relative to now. Unknown keys
// and malformed values are logged and ignored.
func ParseFilters(filters Filters, now time.Time, logger *slog.Logger) Criteria {
	var c Criteria

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := filters[key]
		switch key {
		case "is_read":
			b, err := toBool(value)
			if err != nil {
				logger.Warn("ignoring filter", "key", key, "value", value, "error", err)
				continue
			}
			c.IsRead = &b
		case "min_age_days", "before":
			t, err := cutoff(value, now)
			if err != nil {
				logger.Warn("ignoring filter", "key", key, "value", value, "error", err)
				continue
			}
			c.Before = t
		case "max_age_days", "after":
			t, err := cutoff(value, now)
			if err != nil {
				logger.Warn("ignoring filter", "key", key, "value", value, "error", err)
				continue
			}
			c.After = t
		default:
			logger.Warn("unknown filter key ignored", "key", key)
		}
	}
	return c
}

// cutoff resolves a day count relative to now, or an absolute date.
func cutoff(value any, now time.Time) (time.Time, error) {
	switch v := value.(type) {
	case int:
		return now.AddDate(0, 0, -v), nil
	case int64:
		return now.AddDate(0, 0, -int(v)), nil
	case float64:
		return now.AddDate(0, 0, -int(v)), nil
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.Atoi(s); err == nil {
			return now.AddDate(0, 0, -n), nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised date %q", v)
	default:
		return time.Time{}, fmt.Errorf("unsupported value type %T", value)
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	case int:
		return v != 0, nil
	default:
		return false, fmt.Errorf("unsupported value type %T", value)
	}
}
