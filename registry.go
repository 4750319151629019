package zsock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	RegistryFileName = "zsock_services.json"
	DiscoveryTimeout = 5 * time.Second

	discoveryPollInterval = 100 * time.Millisecond
)

// ErrServiceNotFound is returned by Discover when no live entry appears in time
var ErrServiceNotFound = errors.New("service not found")

// ServiceInfo holds the endpoints a running device advertises
type ServiceInfo struct {
	Kind      DeviceKind `json:"kind"`
	Frontend  string     `json:"frontend"`
	Backend   string     `json:"backend"`
	PID       int        `json:"pid"`
	StartTime time.Time  `json:"start_time"`
}

// Registry is a JSON file mapping service names to endpoints. Every operation
// re-reads the file so several processes can share it.
type Registry struct {
	mu       sync.Mutex
	filePath string
}

// NewRegistry opens the registry at path, or the default location when empty
func NewRegistry(path string) *Registry {
	if path == "" {
		path = DefaultRegistryPath()
	}
	return &Registry{filePath: path}
}

// DefaultRegistryPath returns the registry location in the temp directory
func DefaultRegistryPath() string {
	return filepath.Join(os.TempDir(), RegistryFileName)
}

// Path returns the registry file path
func (r *Registry) Path() string {
	return r.filePath
}

func (r *Registry) load() (map[string]ServiceInfo, error) {
	services := make(map[string]ServiceInfo)
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return services, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return services, nil
	}
	if err := json.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", r.filePath, err)
	}
	return services, nil
}

// save writes through a temp file so readers never see a partial document
func (r *Registry) save(services map[string]ServiceInfo) error {
	data, err := json.MarshalIndent(services, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.filePath)
}

func (r *Registry) update(fn func(map[string]ServiceInfo)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	services, err := r.load()
	if err != nil {
		return err
	}
	fn(services)
	return r.save(services)
}

// Register records name with the calling process as owner
func (r *Registry) Register(name string, info ServiceInfo) error {
	if name == "" {
		return &ConfigurationError{Field: "service name", Reason: "must not be empty"}
	}
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}
	return r.update(func(services map[string]ServiceInfo) {
		services[name] = info
	})
}

// Unregister removes name
func (r *Registry) Unregister(name string) error {
	return r.update(func(services map[string]ServiceInfo) {
		delete(services, name)
	})
}

// Discover polls until a live entry for name exists or timeout elapses.
// Entries owned by dead processes are removed on the way.
func (r *Registry) Discover(name string, timeout time.Duration) (ServiceInfo, error) {
	if timeout <= 0 {
		timeout = DiscoveryTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		r.mu.Lock()
		services, err := r.load()
		r.mu.Unlock()

		if err == nil {
			if info, ok := services[name]; ok {
				if isProcessAlive(info.PID) {
					return info, nil
				}
				_ = r.Unregister(name)
			}
		}

		if !time.Now().Add(discoveryPollInterval).Before(deadline) {
			return ServiceInfo{}, fmt.Errorf("discover %q: %w", name, ErrServiceNotFound)
		}
		time.Sleep(discoveryPollInterval)
	}
}

// List returns a copy of every registered service
func (r *Registry) List() (map[string]ServiceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Clear removes all services
func (r *Registry) Clear() error {
	return r.update(func(services map[string]ServiceInfo) {
		for name := range services {
			delete(services, name)
		}
	})
}

// isProcessAlive checks if a process with the given PID is running
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without delivering anything.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}
