package source

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"time"
)

// resourceKey is the JSON key holding the items of a listing, e.g.
// "incidents/PABC/log_entries" -> "log_entries".
func resourceKey(p string) string {
	return path.Base(strings.Trim(p, "/"))
}

// intValue reads a JSON number decoded with UseNumber; null and other
// types read as 0.
func intValue(v any) int {
	switch n := v.(type) {
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0
		}
		return i
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func defaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
