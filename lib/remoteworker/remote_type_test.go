package remoteworker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanfei1991/workerplacement/lib/config"
	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
)

func TestConfigPolicyRemoteTypeFor(t *testing.T) {
	t.Parallel()

	extension := model.PrincipalInfo{Kind: model.PrincipalExtension, Origin: "moz-extension://abc"}
	cases := []struct {
		name      string
		cfg       config.ProcessModelConfig
		principal model.PrincipalInfo
		expected  string
		fails     bool
	}{
		{
			name:      "isolated site",
			cfg:       defaultProcessModel(),
			principal: model.PrincipalInfo{Kind: model.PrincipalContent, Origin: "https://www.example.com", SiteOrigin: "https://example.com", Scheme: "https"},
			expected:  "webIsolated=https://example.com",
		},
		{
			name:      "site origin falls back to origin",
			cfg:       defaultProcessModel(),
			principal: model.PrincipalInfo{Kind: model.PrincipalContent, Origin: "https://example.org", Scheme: "https"},
			expected:  "webIsolated=https://example.org",
		},
		{
			name:      "site isolation off",
			cfg:       config.ProcessModelConfig{Multiprocess: true},
			principal: contentPrincipal("https://example.com"),
			expected:  model.WebRemoteType,
		},
		{
			name:      "cross origin isolated stays in its site",
			cfg:       defaultProcessModel(),
			principal: model.PrincipalInfo{Kind: model.PrincipalContent, Origin: "https://example.com", Scheme: "https", CrossOriginIsolated: true},
			expected:  "webIsolated=https://example.com",
		},
		{
			name:      "file",
			cfg:       defaultProcessModel(),
			principal: model.PrincipalInfo{Kind: model.PrincipalContent, Origin: "file:///tmp", Scheme: "file"},
			expected:  model.FileRemoteType,
		},
		{
			name:      "privileged about",
			cfg:       defaultProcessModel(),
			principal: model.PrincipalInfo{Kind: model.PrincipalContent, Origin: "about:certerror", Scheme: "about"},
			expected:  model.PrivilegedAboutRemoteType,
		},
		{
			name:      "remote extension",
			cfg:       defaultProcessModel(),
			principal: extension,
			expected:  model.ExtensionRemoteType,
		},
		{
			name:      "in-process extension",
			cfg:       config.ProcessModelConfig{Multiprocess: true, SiteIsolation: true},
			principal: extension,
			expected:  model.NotRemoteType,
		},
		{
			name:      "expanded principal",
			cfg:       defaultProcessModel(),
			principal: model.PrincipalInfo{Kind: model.PrincipalExpanded},
			fails:     true,
		},
		{
			name:      "content without origin",
			cfg:       defaultProcessModel(),
			principal: model.PrincipalInfo{Kind: model.PrincipalContent},
			fails:     true,
		},
	}

	for _, tc := range cases {
		policy := NewConfigPolicy(tc.cfg)
		remoteType, err := ResolveRemoteType(policy, tc.principal, model.WorkerKindShared)
		if tc.fails {
			require.Error(t, err, tc.name)
			require.True(t, derror.ErrRemoteTypeAborted.Equal(err), tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.expected, remoteType, tc.name)
	}
}

func TestResolveRemoteTypeShortcuts(t *testing.T) {
	t.Parallel()

	system := model.PrincipalInfo{Kind: model.PrincipalSystem}
	remoteType, err := ResolveRemoteType(NewConfigPolicy(defaultProcessModel()), system, model.WorkerKindService)
	require.NoError(t, err)
	require.Equal(t, model.NotRemoteType, remoteType)

	// Even unclassifiable principals resolve when multiprocess is off.
	single := NewConfigPolicy(config.ProcessModelConfig{})
	remoteType, err = ResolveRemoteType(single, model.PrincipalInfo{Kind: model.PrincipalNull}, model.WorkerKindShared)
	require.NoError(t, err)
	require.Equal(t, model.NotRemoteType, remoteType)
}

func TestMatchRemoteType(t *testing.T) {
	t.Parallel()

	require.True(t, MatchRemoteType("web", "web"))
	require.True(t, MatchRemoteType(model.NotRemoteType, model.NotRemoteType))
	require.False(t, MatchRemoteType("web", "webIsolated=https://example.com"))
	require.False(t, MatchRemoteType("webCOOP+COEP=https://example.com", "webCOOP+COEP=https://example.com"))
}

func TestPlacementRoundTrip(t *testing.T) {
	t.Parallel()

	principals := []model.PrincipalInfo{
		{Kind: model.PrincipalSystem},
		contentPrincipal("https://example.com"),
		{Kind: model.PrincipalContent, Origin: "https://a.example.com", SiteOrigin: "https://example.com", Scheme: "https", CrossOriginIsolated: true},
		{Kind: model.PrincipalContent, Origin: "file:///home", Scheme: "file"},
		{Kind: model.PrincipalContent, Origin: "about:home", Scheme: "about"},
		{Kind: model.PrincipalExtension, Origin: "moz-extension://abc"},
	}
	configs := []config.ProcessModelConfig{
		{},
		{Multiprocess: true},
		{Multiprocess: true, SiteIsolation: true},
		defaultProcessModel(),
	}

	for _, cfg := range configs {
		policy := NewConfigPolicy(cfg)
		for _, principal := range principals {
			for _, kind := range []model.WorkerKind{model.WorkerKindService, model.WorkerKindShared} {
				req, err := NewPlacementRequest(policy, "worker", principal, kind, nil)
				require.NoError(t, err)
				require.True(t, IsPlacementAllowed(policy, req), "%+v %s %+v", cfg, kind, principal)
			}
		}
	}
}

func TestIsPlacementAllowedRejectsForeignBucket(t *testing.T) {
	t.Parallel()

	policy := NewConfigPolicy(defaultProcessModel())
	req := newRequest(t, policy, contentPrincipal("https://example.com"), model.WorkerKindShared)
	forged := *req
	forged.RemoteType = "webIsolated=https://evil.com"
	require.False(t, IsPlacementAllowed(policy, &forged))

	forged.PrincipalInfo = model.PrincipalInfo{Kind: model.PrincipalNull}
	require.False(t, IsPlacementAllowed(policy, &forged))

	// A single-process configuration accepts anything.
	require.True(t, IsPlacementAllowed(NewConfigPolicy(config.ProcessModelConfig{}), &forged))
}

func TestAllowLocalExtensionWorkers(t *testing.T) {
	t.Parallel()

	extension := model.PrincipalInfo{Kind: model.PrincipalExtension, Origin: "moz-extension://abc"}
	policy := NewConfigPolicy(config.ProcessModelConfig{
		Multiprocess:                true,
		LocalExtensionSharedWorkers: []string{"moz-extension://abc"},
	})
	require.True(t, policy.AllowLocalExtensionWorkers(extension))
	require.False(t, policy.AllowLocalExtensionWorkers(model.PrincipalInfo{Kind: model.PrincipalExtension, Origin: "moz-extension://other"}))
	require.False(t, policy.AllowLocalExtensionWorkers(contentPrincipal("moz-extension://abc")))

	wildcard := NewConfigPolicy(config.ProcessModelConfig{
		Multiprocess:                true,
		LocalExtensionSharedWorkers: []string{"*"},
	})
	require.True(t, wildcard.AllowLocalExtensionWorkers(extension))

	remote := NewConfigPolicy(config.ProcessModelConfig{
		Multiprocess:                true,
		RemoteExtensions:            true,
		LocalExtensionSharedWorkers: []string{"*"},
	})
	require.False(t, remote.AllowLocalExtensionWorkers(extension))
}
