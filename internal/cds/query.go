package cds

// Query selects observations by inclusive date bounds. A nil bound is
// unbounded. With a positive Limit, the most recent Limit observations
// inside the bounds are selected; results always come back ascending.
type Query struct {
	Start *Date
	End   *Date
	Limit int
}
