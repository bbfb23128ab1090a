package source

import (
	"time"
)

// ItemHook is called for every item of a paginated listing before it is
// handed to the caller, with the 1-based position of the item and the total
// reported by the API (0 when the API did not report one).
type ItemHook func(item map[string]any, n, total int)

// IncidentQuery selects the incidents listed by PagerDuty.Incidents.
type IncidentQuery struct {
	Since    time.Time
	Until    time.Time
	TeamIDs  []string
	Statuses []string
	Includes []string
}

// Expansions requested with every incident listing.
var DefaultIncludes = []string{
	"users", "assignees", "services", "acknowledgers",
	"assignments", "acknowledgements",
}
