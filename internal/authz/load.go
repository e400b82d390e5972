package authz

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/squawkbus/squawkbus/internal/protocol"
)

// authorizationRecord is the JSON shape of one authorizations file entry.
type authorizationRecord struct {
	User         string   `json:"user"`
	Topic        string   `json:"topic"`
	Entitlements []int32  `json:"entitlements"`
	Roles        []string `json:"roles"`
}

// LoadPolicy builds a policy from the authorizations file (optional) merged
// with inline grant specs, file entries first. With neither configured the
// default grant applies.
func LoadPolicy(path string, grants []string) (*Policy, error) {
	var entries []Authorization
	if path != "" {
		fileEntries, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}
	for _, spec := range grants {
		e, err := ParseGrant(spec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return NewPolicy(entries)
}

func loadFile(path string) ([]Authorization, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorizations file: %w", err)
	}
	var records []authorizationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse authorizations file %s: %w", path, err)
	}
	entries := make([]Authorization, 0, len(records))
	for i, rec := range records {
		roles, err := ParseRoles(rec.Roles)
		if err != nil {
			return nil, fmt.Errorf("authorizations file entry %d: %w", i, err)
		}
		entries = append(entries, Authorization{
			User:         rec.User,
			Topic:        rec.Topic,
			Entitlements: protocol.NewEntitlementSet(rec.Entitlements...),
			Roles:        roles,
		})
	}
	return entries, nil
}

// ParseGrant parses the command line form
// user:topic:entitlement[,entitlement...]:role[,role...]. The topic pattern
// may itself contain colons; the first segment is the user and the last two
// are entitlements and roles.
func ParseGrant(spec string) (Authorization, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 4 {
		return Authorization{}, fmt.Errorf("grant %q: want user:topic:entitlements:roles", spec)
	}
	user := parts[0]
	topic := strings.Join(parts[1:len(parts)-2], ":")
	entsPart := parts[len(parts)-2]
	rolesPart := parts[len(parts)-1]

	var ents []int32
	for _, field := range strings.Split(entsPart, ",") {
		v, err := strconv.ParseInt(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return Authorization{}, fmt.Errorf("grant %q: entitlement %q: %w", spec, field, err)
		}
		ents = append(ents, int32(v))
	}

	roles, err := ParseRoles(strings.Split(rolesPart, ","))
	if err != nil {
		return Authorization{}, fmt.Errorf("grant %q: %w", spec, err)
	}

	return Authorization{
		User:         user,
		Topic:        topic,
		Entitlements: protocol.NewEntitlementSet(ents...),
		Roles:        roles,
	}, nil
}
