package domain

import "time"

// UserLabel is set on every container the service creates; its value is the
// container name derived from the username.
const UserLabel = "termfleet.user"

// Container represents a running terminal container as reported by the runtime.
type Container struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Port      int       `json:"port"`
	CreatedAt time.Time `json:"created_at"`
	State     string    `json:"state"` // running, exited, etc.
}

// PortBinding is one host binding of a published container port.
type PortBinding struct {
	HostIP   string `json:"host_ip"`
	HostPort string `json:"host_port"`
}

// PortTable maps a container port key ("3000/tcp") to its host bindings.
// A nil or empty slice means the port is exposed but not published.
type PortTable map[string][]PortBinding

// RuntimeContainer is the raw view of a running container used to derive live state.
type RuntimeContainer struct {
	ID    string
	Name  string
	Image string
	Ports PortTable
}

// ActiveContainer is the presentation form of a tracked container.
type ActiveContainer struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Port int    `json:"port"`
}

// ContainerStatus is a snapshot of the runtime's lifecycle record for a container.
type ContainerStatus struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Image      string            `json:"image"`
	CreatedAt  time.Time         `json:"created_at"`
	Status     string            `json:"status"`
	Running    bool              `json:"running"`
	ExitCode   int               `json:"exit_code"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Ports      PortTable         `json:"ports"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Mount is a host directory bind-mounted into a container.
type Mount struct {
	Source string
	Target string
}

// RunSpec is everything the runtime needs to start one terminal container.
type RunSpec struct {
	Name          string
	Image         string
	HostIP        string
	HostPort      int
	ContainerPort int
	Mounts        []Mount
	Env           map[string]string
	Labels        map[string]string
	MemoryBytes   int64
	NanoCPUs      int64
}

// PruneReport summarises what a prune pass removed.
type PruneReport struct {
	ContainersDeleted []string
	VolumesDeleted    []string
	SpaceReclaimed    uint64
}
