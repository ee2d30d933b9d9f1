package strait

import (
	"context"
	"strings"
	"time"
)

// Event is one relay event. Sealed signal envelopes are events of kind
// SignalEventKind whose content hides both payload and true sender from
// everyone but the recipient.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags,omitempty"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

// TagValue returns the first value of the named tag, or "".
func (e Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// Filter selects events on a relay subscription or query. Zero fields
// match everything.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Until   int64    `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Matches reports whether the event satisfies the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if len(f.PTags) > 0 && !containsString(f.PTags, e.TagValue("p")) {
		return false
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && e.CreatedAt > f.Until {
		return false
	}
	return true
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == want {
			return true
		}
	}
	return false
}

func containsInt(values []int, want int) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// RelayConn is one live connection to a relay endpoint. Implementations
// are provided by the transport layer; the pool never constructs one
// except through its injected Dialer.
//
// Subscribe takes exactly one filter. The underlying transport malforms
// multi-filter requests, so the pool issues one subscription per filter.
type RelayConn interface {
	URL() string
	// Status is the transport-reported connectivity, reconciled
	// periodically against the pool's cached status.
	Status() ConnectionStatus
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter, onEvent func(Event)) (RelaySubscription, error)
	Query(ctx context.Context, filter Filter, maxWait time.Duration) ([]Event, error)
	Close() error
}

// RelaySubscription is one relay-level subscription handle.
type RelaySubscription interface {
	Close() error
}

// Dialer connects to a single relay endpoint. It is injected into the
// pool's constructor so the transport can be substituted explicitly.
type Dialer func(ctx context.Context, url string) (RelayConn, error)
