package policy_test

import (
	"testing"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPath(t *testing.T) {
	tests := []struct {
		pattern, target string
		want            bool
	}{
		{"/data", "/data", true},
		{"/data", "/data/sub/file.txt", true},
		{"/data", "/database", false},
		{"/data", "/data/../etc/passwd", false},
		{"/data", "data/file", false},
		{"/", "/anything", true},
		{"/data/*.txt", "/data/a.txt", true},
		{"/data/*.txt", "/data/sub/a.txt", false},
		{"/data/**/*.txt", "/data/sub/deep/a.txt", true},
		{"/data/**", "/data/x/y", true},
		{"/tmp/{a,b}/*", "/tmp/b/c", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.MatchPath(tt.pattern, tt.target))
		})
	}
}

func TestMatchHost(t *testing.T) {
	assert.True(t, policy.MatchHost("api.example.com", "API.example.com"))
	assert.False(t, policy.MatchHost("api.example.com", "evil.com"))
	assert.True(t, policy.MatchHost("*.example.com", "a.b.example.com"))
	assert.False(t, policy.MatchHost("*.example.com", "example.com"))
	assert.False(t, policy.MatchHost("*.example.com", "badexample.com"))
	assert.True(t, policy.MatchHost("*", "anything"))
}

func TestMatchAnyPort(t *testing.T) {
	assert.True(t, policy.MatchAnyPort(nil, 22))
	assert.True(t, policy.MatchAnyPort([]string{"443"}, 443))
	assert.False(t, policy.MatchAnyPort([]string{"443"}, 80))
	assert.True(t, policy.MatchAnyPort([]string{"8000-8100"}, 8080))
	assert.False(t, policy.MatchAnyPort([]string{"8000-8100"}, 8101))
	assert.True(t, policy.MatchAnyPort([]string{"*"}, 1))

	_, _, err := policy.ParsePortRange("90-80")
	assert.ErrorIs(t, err, entities.ErrConfiguration)
	_, _, err = policy.ParsePortRange("70000")
	assert.Error(t, err)
}

func TestPermits(t *testing.T) {
	network := entities.Permission{
		Kind:       entities.KindNetwork,
		Operations: []entities.Operation{entities.OpConnect},
		Patterns:   []string{"api.example.com"},
		Ports:      []string{"443"},
	}
	assert.True(t, policy.Permits(network, entities.NetworkRequest(entities.OpConnect, "api.example.com", 443)))
	assert.False(t, policy.Permits(network, entities.NetworkRequest(entities.OpConnect, "evil.com", 443)))
	assert.False(t, policy.Permits(network, entities.NetworkRequest(entities.OpConnect, "api.example.com", 80)))
	assert.False(t, policy.Permits(network, entities.NetworkRequest(entities.OpListen, "api.example.com", 443)))

	env := entities.Permission{Kind: entities.KindEnv, Patterns: []string{"APP_*"}}
	assert.True(t, policy.Permits(env, entities.EnvRequest("APP_TOKEN")))
	assert.False(t, policy.Permits(env, entities.EnvRequest("HOME")))

	hostcall := entities.Permission{Kind: entities.KindHostCall, Patterns: []string{"fs_*", "log"}}
	assert.True(t, policy.Permits(hostcall, entities.HostCallRequest("fs_read")))
	assert.False(t, policy.Permits(hostcall, entities.HostCallRequest("net_connect")))
}

func TestCovers(t *testing.T) {
	rwData := entities.Permission{Kind: entities.KindFS, Patterns: []string{"/data"}}
	roData := entities.Permission{Kind: entities.KindFS, Operations: []entities.Operation{entities.OpRead}, Patterns: []string{"/data"}}

	tests := []struct {
		name          string
		parent, child entities.Permission
		want          bool
	}{
		{"narrower operations", rwData, roData, true},
		{"wider operations", roData, rwData, false},
		{"subdirectory", rwData, entities.Permission{Kind: entities.KindFS, Patterns: []string{"/data/reports"}}, true},
		{"sibling prefix", rwData, entities.Permission{Kind: entities.KindFS, Patterns: []string{"/database"}}, false},
		{"glob under literal", rwData, entities.Permission{Kind: entities.KindFS, Patterns: []string{"/data/**/*.csv"}}, true},
		{"glob escaping literal", rwData, entities.Permission{Kind: entities.KindFS, Patterns: []string{"/data*"}}, false},
		{"literal under double star", entities.Permission{Kind: entities.KindFS, Patterns: []string{"/data/**"}}, roData, true},
		{"literal under single star", entities.Permission{Kind: entities.KindFS, Patterns: []string{"/data/*"}}, entities.Permission{Kind: entities.KindFS, Patterns: []string{"/data/x"}}, false},
		{"different kind", rwData, entities.Permission{Kind: entities.KindEnv, Patterns: []string{"/data"}}, false},
		{
			"subdomain under wildcard",
			entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"*.example.com"}},
			entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"api.example.com"}, Ports: []string{"443"}},
			true,
		},
		{
			"wildcard under exact host",
			entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"api.example.com"}},
			entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"*.example.com"}},
			false,
		},
		{
			"port range containment",
			entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"*"}, Ports: []string{"8000-9000"}},
			entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"h"}, Ports: []string{"8080-8090"}},
			true,
		},
		{
			"unbounded child ports",
			entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"*"}, Ports: []string{"443"}},
			entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"h"}},
			false,
		},
		{
			"env glob",
			entities.Permission{Kind: entities.KindEnv, Patterns: []string{"APP_*"}},
			entities.Permission{Kind: entities.KindEnv, Patterns: []string{"APP_TOKEN"}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Covers(tt.parent, tt.child))
		})
	}
}

func TestValidatePermission(t *testing.T) {
	valid := []entities.Permission{
		{Kind: entities.KindFS, Operations: []entities.Operation{entities.OpRead}, Patterns: []string{"/data/**"}},
		{Kind: entities.KindNetwork, Patterns: []string{"*.example.com"}, Ports: []string{"443", "8000-8080"}},
		{Kind: entities.KindHostCall, Patterns: []string{"*"}},
	}
	require.NoError(t, policy.ValidatePermissions("permissions", valid))

	tests := []struct {
		name  string
		perm  entities.Permission
		field string
	}{
		{"unknown kind", entities.Permission{Kind: "gpu", Patterns: []string{"x"}}, "p.kind"},
		{"bad op", entities.Permission{Kind: entities.KindEnv, Operations: []entities.Operation{entities.OpWrite}, Patterns: []string{"X"}}, "p.operations"},
		{"no patterns", entities.Permission{Kind: entities.KindEnv}, "p.patterns"},
		{"relative path", entities.Permission{Kind: entities.KindFS, Patterns: []string{"data"}}, "p.patterns[0]"},
		{"bad glob", entities.Permission{Kind: entities.KindFS, Patterns: []string{"/data/[a"}}, "p.patterns[0]"},
		{"host with port", entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"example.com:443"}}, "p.patterns[0]"},
		{"bad port", entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"h"}, Ports: []string{"http"}}, "p.ports[0]"},
		{"ports on fs", entities.Permission{Kind: entities.KindFS, Patterns: []string{"/"}, Ports: []string{"1"}}, "p.ports"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.ValidatePermission("p", tt.perm)
			var cfgErr *entities.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestAllowedPatterns(t *testing.T) {
	perms := []entities.Permission{
		{Kind: entities.KindNetwork, Patterns: []string{"api.example.com"}, Ports: []string{"443"}},
		{Kind: entities.KindFS, Patterns: []string{"/data"}},
		{Kind: entities.KindNetwork, Patterns: []string{"api.example.com"}, Ports: []string{"443"}},
	}
	assert.Equal(t, []string{"api.example.com:443"}, policy.AllowedPatterns(perms, entities.KindNetwork))
	assert.Equal(t, []string{"/data"}, policy.AllowedPatterns(perms, entities.KindFS))
}
