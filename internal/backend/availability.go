package backend

import "strings"

// Available returns a comma-separated list of the backends in this build.
func Available() string {
	return strings.Join([]string{Ref}, ",")
}
