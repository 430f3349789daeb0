package types

import "fmt"

// Application is the application platform a prompt belongs to.
type Application string

const (
	ApplicationCommonApp        Application = "COMMON_APP"
	ApplicationCommonAppAssumed Application = "COMMON_APP_ASSUMED"
	ApplicationCoalitionApp     Application = "COALITION_APP"
	ApplicationSupplemental     Application = "SUPPLEMENTAL"
	ApplicationUCApp            Application = "UC_APP"
	ApplicationUCASApp          Application = "UCAS_APP"
)

// Applications lists every known application in declaration order.
var Applications = []Application{
	ApplicationCommonApp,
	ApplicationCommonAppAssumed,
	ApplicationCoalitionApp,
	ApplicationSupplemental,
	ApplicationUCApp,
	ApplicationUCASApp,
}

// Valid reports whether a is a member of the closed application set.
func (a Application) Valid() bool {
	for _, known := range Applications {
		if a == known {
			return true
		}
	}
	return false
}

// ParseApplication converts s into an Application, rejecting unknown values.
func ParseApplication(s string) (Application, error) {
	a := Application(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown application %q", s)
	}
	return a, nil
}
