package audit

import (
	"context"
	"net"

	"github.com/ehr/records/internal/platform/auth"
)

type contextKey string

const provenanceKey contextKey = "audit_provenance"

// Provenance is the HTTP-shaped origin of a request, copied into every
// entry the request produces.
type Provenance struct {
	Method   string
	Endpoint string
	IP       string
}

func WithProvenance(ctx context.Context, p Provenance) context.Context {
	return context.WithValue(ctx, provenanceKey, p)
}

func ProvenanceFromContext(ctx context.Context) Provenance {
	p, _ := ctx.Value(provenanceKey).(Provenance)
	return p
}

// NewDraft starts a draft attributed to actor with provenance p.
func NewDraft(actor auth.Actor, p Provenance, table, action string, event EventType) Draft {
	return Draft{
		ActorID:       actor.ActorRef(),
		TableName:     table,
		ActionType:    action,
		EventType:     event,
		IPAddress:     ipPtr(p.IP),
		BranchID:      actor.BranchRef(),
		HospitalID:    actor.HospitalRef(),
		RequestMethod: StrPtr(p.Method),
		Endpoint:      StrPtr(p.Endpoint),
	}
}

// ipPtr keeps only addresses the inet column accepts.
func ipPtr(s string) *string {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	v := ip.String()
	return &v
}
