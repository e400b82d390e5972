// Package authz maps (user, topic, role) to the entitlements a client holds,
// from an immutable snapshot of authorization rules. Snapshots are rebuilt
// on reload and swapped whole; the hub interprets empty results.
package authz

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/squawkbus/squawkbus/internal/protocol"
)

// Role is the capacity in which a client touches a topic.
type Role uint8

const (
	Subscriber Role = 1 << iota
	Publisher
)

// AllRoles grants every role.
const AllRoles = Subscriber | Publisher

// Has reports whether the mask includes role.
func (r Role) Has(role Role) bool { return r&role != 0 }

func (r Role) String() string {
	switch r {
	case Subscriber:
		return "Subscriber"
	case Publisher:
		return "Publisher"
	case AllRoles:
		return "Subscriber|Publisher"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ParseRoles combines role names ("Subscriber", "Publisher", case
// insensitive) into a mask.
func ParseRoles(names []string) (Role, error) {
	var mask Role
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "subscriber":
			mask |= Subscriber
		case "publisher":
			mask |= Publisher
		default:
			return 0, fmt.Errorf("unknown role %q", name)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("no roles given")
	}
	return mask, nil
}

// Authorization grants entitlements to users matching User, on topics
// matching the Topic pattern, in any of Roles. User is an exact name or "*"
// for any user; Topic is a regular expression matched against the whole
// topic name.
type Authorization struct {
	User         string
	Topic        string
	Entitlements protocol.EntitlementSet
	Roles        Role
}

type rule struct {
	user         string
	topic        *regexp.Regexp
	entitlements protocol.EntitlementSet
	roles        Role
}

// Policy is a compiled, immutable snapshot of the rule set.
type Policy struct {
	rules []rule
}

// defaultGrant applies when no rules are configured at all: anyone may
// subscribe anywhere with entitlement 0. Publishers keep empty entitlement
// sets, so published packets pass unfiltered.
var defaultGrant = Authorization{
	User:         "*",
	Topic:        ".*",
	Entitlements: protocol.EntitlementSet{0},
	Roles:        Subscriber,
}

// NewPolicy compiles entries into a snapshot, preserving input order. An
// empty entry list yields the default grant.
func NewPolicy(entries []Authorization) (*Policy, error) {
	if len(entries) == 0 {
		entries = []Authorization{defaultGrant}
	}
	rules := make([]rule, 0, len(entries))
	for i, e := range entries {
		if e.User == "" {
			return nil, fmt.Errorf("authorization %d: empty user", i)
		}
		if e.Roles == 0 {
			return nil, fmt.Errorf("authorization %d: no roles", i)
		}
		re, err := regexp.Compile(anchor(e.Topic))
		if err != nil {
			return nil, fmt.Errorf("authorization %d: topic pattern %q: %w", i, e.Topic, err)
		}
		rules = append(rules, rule{
			user:         e.User,
			topic:        re,
			entitlements: e.Entitlements,
			roles:        e.Roles,
		})
	}
	return &Policy{rules: rules}, nil
}

// anchor makes a pattern match the whole topic name.
func anchor(pattern string) string { return `\A(?:` + pattern + `)\z` }

// Entitlements returns the union of the entitlements of every rule whose
// user, topic and role match. An empty result means no rule applies.
func (p *Policy) Entitlements(user, topic string, role Role) protocol.EntitlementSet {
	var out protocol.EntitlementSet
	for _, r := range p.rules {
		if !r.roles.Has(role) {
			continue
		}
		if r.user != "*" && r.user != user {
			continue
		}
		if !r.topic.MatchString(topic) {
			continue
		}
		out = out.Union(r.entitlements)
	}
	return out
}
