package bus

// Stats is a point-in-time view of the bus counters.
type Stats struct {
	Published uint64 `json:"published"`
	Consumed  uint64 `json:"consumed"`
	Depth     int    `json:"depth"`
	MaxDepth  int    `json:"max_depth"`
}
