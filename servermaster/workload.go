package servermaster

import (
	"fmt"
	"net/url"

	"github.com/pingcap/errors"

	"github.com/hanfei1991/workerplacement/lib/config"
	"github.com/hanfei1991/workerplacement/model"
	derror "github.com/hanfei1991/workerplacement/pkg/errors"
)

// WorkerSpec describes a worker to launch.
type WorkerSpec struct {
	Principal model.PrincipalInfo
	Kind      model.WorkerKind
	ScriptURL string
	// OriginPID is the process registering the worker, NoProcessID if
	// there is none.
	OriginPID model.ProcessID
}

// WorkerSpecsFromConfig expands the workloads of an adjusted config.
func WorkerSpecsFromConfig(cfg *config.Config) ([]WorkerSpec, error) {
	var specs []WorkerSpec
	for i, w := range cfg.Workloads {
		spec, err := workerSpec(w)
		if err != nil {
			return nil, derror.ErrConfigInvalid.GenWithStackByArgs(fmt.Sprintf("workload[%d]: %s", i, err))
		}
		for n := 0; n < w.Count; n++ {
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

func workerSpec(w config.WorkloadConfig) (WorkerSpec, error) {
	spec := WorkerSpec{}
	switch w.Kind {
	case "service":
		spec.Kind = model.WorkerKindService
	case "shared":
		spec.Kind = model.WorkerKindShared
	default:
		return spec, errors.Errorf("unknown kind %q", w.Kind)
	}

	switch w.Principal {
	case "system":
		spec.Principal = model.PrincipalInfo{Kind: model.PrincipalSystem}
		return spec, nil
	case "extension":
		spec.Principal = model.PrincipalInfo{Kind: model.PrincipalExtension, Origin: w.Origin}
	case "content", "":
		spec.Principal = model.PrincipalInfo{
			Kind:                model.PrincipalContent,
			Origin:              w.Origin,
			SiteOrigin:          w.SiteOrigin,
			CrossOriginIsolated: w.CrossOriginIsolated,
		}
	default:
		return spec, errors.Errorf("unknown principal %q", w.Principal)
	}

	u, err := url.Parse(w.Origin)
	if err != nil {
		return spec, errors.Trace(err)
	}
	spec.Principal.Scheme = u.Scheme
	spec.ScriptURL = w.Origin + "/worker.js"
	return spec, nil
}
