// Package cds holds the domain types shared across the feeder: calendar
// dates, daily observations, merge accounting and the error taxonomy.
package cds

import "time"

// Clock abstracts time.Now so backup stamps and archive paths are testable.
type Clock interface {
	Now() time.Time
}
