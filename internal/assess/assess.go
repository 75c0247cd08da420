// Package assess turns a verified world state into incidents and staffs each
// incident with a coalition of roles.
package assess

import "github.com/danielpatrickdp/tidewatch/internal/world"

// #region thresholds
const (
	WaterThreshold   = 2.5 // avg_water at or above this is a severity-3 flood
	GarbageThreshold = 90  // avg_garbage at or above this is at least severity 2
	PeoplePerLevel   = 1000
)

// #endregion thresholds

// #region incident
// Incident is a zone that needs a response.
type Incident struct {
	Zone            string   `json:"zone"`
	Severity        int      `json:"severity"`
	EstimatedPeople int      `json:"estimated_people"`
	Notes           []string `json:"notes"`
}

// Assess applies the threshold rules zone by zone, in lexicographic zone order.
// Zones with severity 0 produce no incident. EstimatedPeople is a flat
// PeoplePerLevel per severity level.
func Assess(verified world.State) []Incident {
	incidents := []Incident{}
	for _, zone := range verified.Zones() {
		vals := verified[zone]
		sev := 0
		if vals.AvgWater != nil && *vals.AvgWater >= WaterThreshold {
			sev = 3
		}
		if vals.AvgGarbage != nil && *vals.AvgGarbage >= GarbageThreshold {
			sev = max(sev, 2)
		}
		if sev == 0 {
			continue
		}
		incidents = append(incidents, Incident{
			Zone:            zone,
			Severity:        sev,
			EstimatedPeople: PeoplePerLevel * sev,
			Notes:           []string{},
		})
	}
	return incidents
}

// #endregion incident

// #region coalition
// Role names used in coalitions.
const (
	RolePlanner           = "Planner"
	RoleExecutor          = "Executor"
	RoleAudit             = "Audit"
	RolePublicComm        = "PublicComm"
	RoleTraffic           = "Traffic"
	RoleEmergencyResponse = "EmergencyResponse"
)

// Coalition is the set of roles staffed for one incident.
type Coalition struct {
	Zone  string   `json:"zone"`
	Roles []string `json:"roles"`
}

// Staff builds one coalition per incident from the fixed severity table.
func Staff(incidents []Incident) []Coalition {
	coalitions := make([]Coalition, 0, len(incidents))
	for _, inc := range incidents {
		coalitions = append(coalitions, Coalition{Zone: inc.Zone, Roles: RolesFor(inc.Severity)})
	}
	return coalitions
}

// RolesFor returns the roles required at a severity level. Severity below 1 needs no one.
func RolesFor(severity int) []string {
	if severity < 1 {
		return nil
	}
	roles := []string{RolePlanner, RoleExecutor, RoleAudit}
	if severity >= 3 {
		roles = append(roles, RolePublicComm, RoleTraffic)
	}
	if severity >= 4 {
		roles = append(roles, RoleEmergencyResponse)
	}
	return roles
}

// #endregion coalition
