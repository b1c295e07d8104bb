package gateway

// VerdictKind classifies an incoming sn against the last accepted one.
type VerdictKind int

const (
	Accept VerdictKind = iota
	Duplicate
	Gap
)

func (k VerdictKind) String() string {
	switch k {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return "unknown"
	}
}

// Verdict is the result of Tracker.Check. For Gap, From..To is the
// inclusive missing range.
type Verdict struct {
	Kind VerdictKind
	From int64
	To   int64
}

// Width is the number of missing sequence numbers.
func (v Verdict) Width() int64 {
	if v.Kind != Gap {
		return 0
	}
	return v.To - v.From + 1
}

// Tracker keeps the last accepted sn. It is owned by the session goroutine
// and is not safe for concurrent use.
type Tracker struct {
	last int64
}

// Check classifies sn without changing state.
func (t *Tracker) Check(sn int64) Verdict {
	switch {
	case sn <= t.last:
		return Verdict{Kind: Duplicate}
	case sn == t.last+1:
		return Verdict{Kind: Accept}
	default:
		return Verdict{Kind: Gap, From: t.last + 1, To: sn - 1}
	}
}

// Accept classifies sn and advances the tracker unless it is a duplicate.
func (t *Tracker) Accept(sn int64) Verdict {
	v := t.Check(sn)
	if v.Kind != Duplicate {
		t.last = sn
	}
	return v
}

func (t *Tracker) Last() int64 { return t.last }

// Reset starts a new session lineage.
func (t *Tracker) Reset() { t.last = 0 }
