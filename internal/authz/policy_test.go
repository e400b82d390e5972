package authz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squawkbus/squawkbus/internal/protocol"
)

func TestEntitlementsLookup(t *testing.T) {
	policy, err := NewPolicy([]Authorization{
		{User: "tom", Topic: `PRICES\..*`, Entitlements: protocol.NewEntitlementSet(1, 2), Roles: Subscriber},
		{User: "tom", Topic: `PRICES\.LSE\..*`, Entitlements: protocol.NewEntitlementSet(3), Roles: Subscriber},
		{User: "*", Topic: "FREE", Entitlements: protocol.NewEntitlementSet(0), Roles: AllRoles},
		{User: "pub", Topic: ".*", Entitlements: protocol.NewEntitlementSet(9), Roles: Publisher},
	})
	require.NoError(t, err)

	t.Run("union of matching rules", func(t *testing.T) {
		got := policy.Entitlements("tom", "PRICES.LSE.VOD", Subscriber)
		assert.Equal(t, protocol.NewEntitlementSet(1, 2, 3), got)
	})

	t.Run("single match", func(t *testing.T) {
		got := policy.Entitlements("tom", "PRICES.NYSE.IBM", Subscriber)
		assert.Equal(t, protocol.NewEntitlementSet(1, 2), got)
	})

	t.Run("user mismatch", func(t *testing.T) {
		assert.Empty(t, policy.Entitlements("dick", "PRICES.LSE.VOD", Subscriber))
	})

	t.Run("wildcard user", func(t *testing.T) {
		assert.Equal(t, protocol.NewEntitlementSet(0), policy.Entitlements("anyone", "FREE", Publisher))
	})

	t.Run("role mismatch", func(t *testing.T) {
		assert.Empty(t, policy.Entitlements("tom", "PRICES.LSE.VOD", Publisher))
		assert.Empty(t, policy.Entitlements("pub", "PRICES.LSE.VOD", Subscriber))
	})

	t.Run("pattern is anchored", func(t *testing.T) {
		assert.Empty(t, policy.Entitlements("anyone", "FREEDOM", Publisher))
		assert.Empty(t, policy.Entitlements("anyone", "UNFREE", Publisher))
	})
}

func TestDefaultGrant(t *testing.T) {
	policy, err := NewPolicy(nil)
	require.NoError(t, err)

	assert.Equal(t, protocol.EntitlementSet{0}, policy.Entitlements("anyone", "any topic", Subscriber))
	assert.Empty(t, policy.Entitlements("anyone", "any topic", Publisher))
}

func TestNewPolicyRejectsBadEntries(t *testing.T) {
	_, err := NewPolicy([]Authorization{{User: "u", Topic: "(", Roles: Subscriber}})
	assert.ErrorContains(t, err, "topic pattern")

	_, err = NewPolicy([]Authorization{{User: "u", Topic: ".*"}})
	assert.ErrorContains(t, err, "no roles")

	_, err = NewPolicy([]Authorization{{Topic: ".*", Roles: Subscriber}})
	assert.ErrorContains(t, err, "empty user")
}

func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles([]string{"subscriber", "Publisher"})
	require.NoError(t, err)
	assert.Equal(t, AllRoles, roles)
	assert.True(t, roles.Has(Subscriber))

	_, err = ParseRoles([]string{"Notifier"})
	assert.ErrorContains(t, err, "unknown role")

	_, err = ParseRoles(nil)
	assert.ErrorContains(t, err, "no roles")
}

func TestParseGrant(t *testing.T) {
	t.Run("simple", func(t *testing.T) {
		got, err := ParseGrant("tom:PRICES\\..*:1,2:Subscriber,Publisher")
		require.NoError(t, err)
		assert.Equal(t, Authorization{
			User:         "tom",
			Topic:        "PRICES\\..*",
			Entitlements: protocol.NewEntitlementSet(1, 2),
			Roles:        AllRoles,
		}, got)
	})

	t.Run("colons in topic pattern", func(t *testing.T) {
		got, err := ParseGrant(`tom:(?:A|B)\.X:0:Subscriber`)
		require.NoError(t, err)
		assert.Equal(t, `(?:A|B)\.X`, got.Topic)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseGrant("tom:topic:1")
		assert.ErrorContains(t, err, "want user:topic:entitlements:roles")
	})

	t.Run("bad entitlement", func(t *testing.T) {
		_, err := ParseGrant("tom:topic:x:Subscriber")
		assert.ErrorContains(t, err, "entitlement")
	})

	t.Run("bad role", func(t *testing.T) {
		_, err := ParseGrant("tom:topic:1:Owner")
		assert.ErrorContains(t, err, "unknown role")
	})
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authorizations.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"user": "tom", "topic": "SECURE", "entitlements": [1, 2], "roles": ["Publisher"]},
		{"user": "*", "topic": "SECURE", "entitlements": [2], "roles": ["Subscriber"]}
	]`), 0o600))

	policy, err := LoadPolicy(path, []string{"dick:SECURE:3:Subscriber"})
	require.NoError(t, err)

	assert.Equal(t, protocol.NewEntitlementSet(1, 2), policy.Entitlements("tom", "SECURE", Publisher))
	assert.Equal(t, protocol.NewEntitlementSet(2, 3), policy.Entitlements("dick", "SECURE", Subscriber))
	assert.Equal(t, protocol.NewEntitlementSet(2), policy.Entitlements("harry", "SECURE", Subscriber))

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPolicy(filepath.Join(dir, "nope.json"), nil)
		assert.ErrorContains(t, err, "read authorizations file")
	})

	t.Run("malformed file", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
		_, err := LoadPolicy(bad, nil)
		assert.ErrorContains(t, err, "parse authorizations file")
	})

	t.Run("no sources yields default grant", func(t *testing.T) {
		policy, err := LoadPolicy("", nil)
		require.NoError(t, err)
		assert.Equal(t, protocol.EntitlementSet{0}, policy.Entitlements("u", "t", Subscriber))
	})
}
