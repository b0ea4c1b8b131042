package permission

import (
	"fmt"
	"strings"
)

// DecisionKind enumerates the outcomes of a permission round-trip.
type DecisionKind int

const (
	// GrantedFull means every requested permission was granted.
	GrantedFull DecisionKind = iota
	// RetryWith means some permissions were denied and should be requested again.
	RetryWith
	// DeniedPermanently means the retry budget is spent.
	DeniedPermanently
	// Ignored means the result belonged to another correlation token.
	Ignored
)

func (k DecisionKind) String() string {
	switch k {
	case GrantedFull:
		return "granted_full"
	case RetryWith:
		return "retry_with"
	case DeniedPermanently:
		return "denied_permanently"
	case Ignored:
		return "ignored"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// Decision is the gate's verdict on one permission result.
type Decision struct {
	Kind DecisionKind
	// Remaining lists the denied permissions in request order. It is
	// non-empty for RetryWith and DeniedPermanently.
	Remaining Set
}

func (d Decision) String() string {
	if len(d.Remaining) == 0 {
		return d.Kind.String()
	}
	return d.Kind.String() + "[" + strings.Join(d.Remaining, ",") + "]"
}
