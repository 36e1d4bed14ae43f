package remoteworker

import (
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/workerplacement/lib/config"
	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
)

// IsolationPolicy decides which remote type a worker belongs to. The
// real policy tables are supplied by configuration; only the shape of
// the decision matters here.
type IsolationPolicy interface {
	// MultiprocessEnabled returns false when every worker runs in the
	// local process.
	MultiprocessEnabled() bool
	// RemoteTypeFor computes the remote type of a non-system principal.
	RemoteTypeFor(principal model.PrincipalInfo, kind model.WorkerKind) (string, error)
	// AllowLocalExtensionWorkers reports whether the shared workers of an
	// extension principal may run in the local process.
	AllowLocalExtensionWorkers(principal model.PrincipalInfo) bool
}

// ConfigPolicy is the IsolationPolicy derived from ProcessModelConfig.
type ConfigPolicy struct {
	cfg config.ProcessModelConfig
}

var _ IsolationPolicy = (*ConfigPolicy)(nil)

// NewConfigPolicy creates a ConfigPolicy.
func NewConfigPolicy(cfg config.ProcessModelConfig) *ConfigPolicy {
	return &ConfigPolicy{cfg: cfg}
}

// MultiprocessEnabled implements IsolationPolicy.
func (p *ConfigPolicy) MultiprocessEnabled() bool {
	return p.cfg.Multiprocess
}

// RemoteTypeFor implements IsolationPolicy.
func (p *ConfigPolicy) RemoteTypeFor(principal model.PrincipalInfo, kind model.WorkerKind) (string, error) {
	switch principal.Kind {
	case model.PrincipalSystem:
		return model.NotRemoteType, nil
	case model.PrincipalExtension:
		if p.cfg.RemoteExtensions {
			return model.ExtensionRemoteType, nil
		}
		return model.NotRemoteType, nil
	case model.PrincipalContent:
	default:
		// Expanded and null principals have no origin to isolate on.
		return "", errors.Errorf("cannot isolate %s principal", principal.Kind)
	}

	if principal.Origin == "" {
		return "", errors.New("content principal without origin")
	}
	if principal.Scheme == "file" {
		return model.FileRemoteType, nil
	}
	if strings.HasPrefix(principal.Origin, "about:") {
		return model.PrivilegedAboutRemoteType, nil
	}
	// Workers never get a COOP+COEP remote type, even for cross-origin
	// isolated principals; see MatchRemoteType.
	if !p.cfg.SiteIsolation {
		return model.WebRemoteType, nil
	}

	site := principal.SiteOrigin
	if site == "" {
		site = principal.Origin
	}
	return model.IsolatedRemoteTypePrefix + site, nil
}

// AllowLocalExtensionWorkers implements IsolationPolicy.
func (p *ConfigPolicy) AllowLocalExtensionWorkers(principal model.PrincipalInfo) bool {
	if principal.Kind != model.PrincipalExtension || p.cfg.RemoteExtensions {
		return false
	}
	for _, origin := range p.cfg.LocalExtensionSharedWorkers {
		if origin == "*" || origin == principal.Origin {
			return true
		}
	}
	return false
}

// ResolveRemoteType computes the remote type a worker of the given kind
// and principal should run in. It fails with ErrRemoteTypeAborted if the
// policy cannot classify the principal.
func ResolveRemoteType(
	policy IsolationPolicy, principal model.PrincipalInfo, kind model.WorkerKind,
) (string, error) {
	if !policy.MultiprocessEnabled() || principal.IsSystem() {
		return model.NotRemoteType, nil
	}

	remoteType, err := policy.RemoteTypeFor(principal, kind)
	if err != nil {
		log.L().Warn("failed to resolve remote type",
			zap.Stringer("principal", principal),
			zap.Stringer("worker-kind", kind),
			zap.Error(err))
		return "", derror.ErrRemoteTypeAborted.GenWithStackByArgs(principal.String())
	}
	return remoteType, nil
}

// IsPlacementAllowed re-derives the remote type of req from its principal
// and checks that it matches the remote type req claims. A process
// receiving a placement uses it to reject requests meant for another
// security bucket.
func IsPlacementAllowed(policy IsolationPolicy, req *model.PlacementRequest) bool {
	if !policy.MultiprocessEnabled() {
		return true
	}

	expected, err := ResolveRemoteType(policy, req.PrincipalInfo, req.WorkerKind)
	if err != nil {
		return false
	}
	return MatchRemoteType(expected, req.RemoteType)
}

// MatchRemoteType reports whether a host of hostRemoteType may run a
// worker of workerRemoteType.
func MatchRemoteType(hostRemoteType, workerRemoteType string) bool {
	// Headers of worker scripts are only processed in the host, so a
	// COOP+COEP process cannot vouch for the workers it would receive.
	if strings.HasPrefix(hostRemoteType, model.CoopCoepRemoteTypePrefix) {
		return false
	}
	return hostRemoteType == workerRemoteType
}

// NewPlacementRequest builds a request whose remote type is resolved with
// policy, so that it is self-consistent by construction.
func NewPlacementRequest(
	policy IsolationPolicy,
	workerID model.WorkerID,
	principal model.PrincipalInfo,
	kind model.WorkerKind,
	serviceWorkerData *model.ServiceWorkerData,
) (*model.PlacementRequest, error) {
	remoteType, err := ResolveRemoteType(policy, principal, kind)
	if err != nil {
		return nil, err
	}
	return &model.PlacementRequest{
		WorkerID:          workerID,
		PrincipalInfo:     principal,
		RemoteType:        remoteType,
		WorkerKind:        kind,
		ServiceWorkerData: serviceWorkerData,
	}, nil
}
