package model

import (
	"encoding/json"
	"fmt"
)

// ProcessID identifies an OS process hosting workers.
type ProcessID int64

// NoProcessID is used when a placement has no originating process.
const NoProcessID ProcessID = 0

// WorkerID identifies one placed worker.
type WorkerID = string

// Remote types. A remote type is the isolation bucket a process or a
// worker belongs to.
const (
	// NotRemoteType is the bucket of the local (parent) process.
	NotRemoteType = ""
	// WebRemoteType is the shared bucket for web content without site isolation.
	WebRemoteType = "web"
	// FileRemoteType hosts file:// content.
	FileRemoteType = "file"
	// ExtensionRemoteType hosts extension content.
	ExtensionRemoteType = "extension"
	// PrivilegedAboutRemoteType hosts privileged about: pages.
	PrivilegedAboutRemoteType = "privilegedabout"

	// IsolatedRemoteTypePrefix is followed by the site origin.
	IsolatedRemoteTypePrefix = "webIsolated="
	// CoopCoepRemoteTypePrefix is followed by the origin of a
	// cross-origin isolated site.
	CoopCoepRemoteTypePrefix = "webCOOP+COEP="
)

// WorkerKind tells a Service Worker from a Shared Worker.
type WorkerKind int

const (
	WorkerKindService = WorkerKind(iota + 1)
	WorkerKindShared
)

func (k WorkerKind) String() string {
	switch k {
	case WorkerKindService:
		return "service"
	case WorkerKindShared:
		return "shared"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// MarshalJSON implements json.Marshaler.
func (k WorkerKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *WorkerKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "service":
		*k = WorkerKindService
	case "shared":
		*k = WorkerKindShared
	default:
		return fmt.Errorf("unknown worker kind %q", s)
	}
	return nil
}

// PrincipalKind classifies the security principal of a worker.
type PrincipalKind int

const (
	PrincipalContent = PrincipalKind(iota + 1)
	PrincipalSystem
	PrincipalExtension
	PrincipalExpanded
	PrincipalNull
)

func (k PrincipalKind) String() string {
	switch k {
	case PrincipalContent:
		return "content"
	case PrincipalSystem:
		return "system"
	case PrincipalExtension:
		return "extension"
	case PrincipalExpanded:
		return "expanded"
	case PrincipalNull:
		return "null"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// PrincipalInfo is the serializable identity of a worker's principal.
type PrincipalInfo struct {
	Kind PrincipalKind `json:"kind"`
	// Origin is the full origin, e.g. "https://www.example.com".
	Origin string `json:"origin,omitempty"`
	// SiteOrigin is the scheme plus registrable domain, e.g. "https://example.com".
	SiteOrigin string `json:"siteOrigin,omitempty"`
	Scheme     string `json:"scheme,omitempty"`
	// CrossOriginIsolated is set for principals served with COOP+COEP.
	CrossOriginIsolated bool `json:"crossOriginIsolated,omitempty"`
}

// IsSystem returns true for the trusted system principal.
func (p PrincipalInfo) IsSystem() bool {
	return p.Kind == PrincipalSystem
}

func (p PrincipalInfo) String() string {
	if p.Origin == "" {
		return p.Kind.String()
	}
	return fmt.Sprintf("%s:%s", p.Kind, p.Origin)
}

// ServiceWorkerData is the service-worker specific part of a request.
type ServiceWorkerData struct {
	Scope           string `json:"scope"`
	RegistrationID  int64  `json:"registrationId"`
	CacheName       string `json:"cacheName,omitempty"`
	LoadFlags       uint32 `json:"loadFlags,omitempty"`
	SkipWaitingFlag bool   `json:"skipWaitingFlag,omitempty"`
}

// PlacementRequest describes a worker to be placed. It must not be
// mutated after it has been handed to the scheduler.
type PlacementRequest struct {
	WorkerID          WorkerID           `json:"workerId"`
	ScriptURL         string             `json:"scriptUrl,omitempty"`
	PrincipalInfo     PrincipalInfo      `json:"principalInfo"`
	RemoteType        string             `json:"remoteType"`
	WorkerKind        WorkerKind         `json:"workerKind"`
	ServiceWorkerData *ServiceWorkerData `json:"serviceWorkerData,omitempty"`
}

// IsServiceWorker returns true if the request carries service worker data.
func (r *PlacementRequest) IsServiceWorker() bool {
	return r.ServiceWorkerData != nil
}

// ErrorValue is an error reported by a running worker.
type ErrorValue struct {
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

func (e ErrorValue) String() string {
	if e.Filename == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s:%d:%d)", e.Message, e.Filename, e.Line, e.Column)
}
