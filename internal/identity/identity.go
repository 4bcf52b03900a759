// Package identity resolves the user and session identifiers of an
// invocation from the payload and the calling transport.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultSessionID is the session used when neither the transport nor the
// payload names one. Every anonymous caller therefore shares one thread
// unless the server is configured with a different default.
const DefaultSessionID = "DEFAULT"

// ErrUserIDRequired is returned under PolicyRequireExplicit when the payload
// carries no user id.
var ErrUserIDRequired = errors.New("user_id is required")

// Policy selects how a missing user id is filled in.
type Policy string

const (
	// PolicyGeneratePerCall assigns a fresh random id to every call that
	// omits user_id. Anonymous callers never share memory attribution.
	PolicyGeneratePerCall Policy = "generate-per-call"

	// PolicyRequireExplicit rejects calls that omit user_id.
	PolicyRequireExplicit Policy = "require-explicit"

	// PolicyDeriveFromTransport takes the transport user id, falling back
	// to an id derived from the session so retries of the same conversation
	// keep the same identity.
	PolicyDeriveFromTransport Policy = "derive-from-transport"
)

// ParsePolicy parses a configured policy name. The empty string selects
// PolicyGeneratePerCall.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyGeneratePerCall, nil
	case PolicyGeneratePerCall, PolicyRequireExplicit, PolicyDeriveFromTransport:
		return p, nil
	default:
		return "", fmt.Errorf("unknown user id policy %q (expected %s, %s or %s)",
			s, PolicyGeneratePerCall, PolicyRequireExplicit, PolicyDeriveFromTransport)
	}
}

// Transport carries identifiers supplied by the calling transport rather
// than the payload.
type Transport struct {
	SessionID string
	UserID    string
}

// Identity is the resolved identity of one invocation.
type Identity struct {
	UserID    string
	SessionID string
}

// sessionNamespace scopes ids derived from session ids.
var sessionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:agentfront:session"))

// Resolver resolves identities. The zero value uses PolicyGeneratePerCall
// and DefaultSessionID.
type Resolver struct {
	policy         Policy
	defaultSession string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy sets the user id policy.
func WithPolicy(p Policy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithDefaultSessionID overrides the fallback session id.
func WithDefaultSessionID(id string) Option {
	return func(r *Resolver) {
		if id != "" {
			r.defaultSession = id
		}
	}
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		policy:         PolicyGeneratePerCall,
		defaultSession: DefaultSessionID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured user id policy.
func (r *Resolver) Policy() Policy {
	if r.policy == "" {
		return PolicyGeneratePerCall
	}
	return r.policy
}

// Resolve derives the identity of a call. The transport session id wins
// over the payload session id, which wins over the default.
func (r *Resolver) Resolve(payloadUserID, payloadSessionID string, t Transport) (Identity, error) {
	id := Identity{SessionID: r.session(payloadSessionID, t)}

	if payloadUserID != "" {
		id.UserID = payloadUserID
		return id, nil
	}

	switch r.Policy() {
	case PolicyRequireExplicit:
		return Identity{}, ErrUserIDRequired
	case PolicyDeriveFromTransport:
		if t.UserID != "" {
			id.UserID = t.UserID
		} else {
			id.UserID = uuid.NewSHA1(sessionNamespace, []byte(id.SessionID)).String()
		}
	default:
		id.UserID = uuid.NewString()
	}
	return id, nil
}

func (r *Resolver) session(payloadSessionID string, t Transport) string {
	switch {
	case t.SessionID != "":
		return t.SessionID
	case payloadSessionID != "":
		return payloadSessionID
	case r.defaultSession != "":
		return r.defaultSession
	default:
		return DefaultSessionID
	}
}
