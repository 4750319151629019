package zsock

import (
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// HWMPolicy selects what a send does when a peer's queue is at its high-water mark
type HWMPolicy string

const (
	// HWMDefault resolves to HWMDrop for publishers and HWMBlock otherwise
	HWMDefault HWMPolicy = ""
	// HWMDrop discards the message for the full peer only
	HWMDrop HWMPolicy = "drop"
	// HWMBlock makes the caller wait for capacity, bounded by its timeout
	HWMBlock HWMPolicy = "block"
)

const (
	DefaultHWM               = 1000
	DefaultLinger            = 1 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultReconnectInterval = 100 * time.Millisecond
	DefaultReconnectMax      = 5 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
)

// SocketConfig holds per-socket options. Zero values select defaults.
type SocketConfig struct {
	SendHWM   int       `yaml:"send_hwm"`
	RecvHWM   int       `yaml:"recv_hwm"`
	HWMPolicy HWMPolicy `yaml:"hwm_policy"`

	// SendTimeout and RecvTimeout bound Send and Receive. Zero waits forever.
	SendTimeout time.Duration `yaml:"send_timeout"`
	RecvTimeout time.Duration `yaml:"recv_timeout"`

	// Linger bounds how long queued messages drain on close. Negative discards them.
	Linger time.Duration `yaml:"linger"`

	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	ReconnectIntervalMax time.Duration `yaml:"reconnect_interval_max"`

	// HeartbeatInterval enables ping/pong liveness checks when positive.
	// HeartbeatTimeout defaults to three intervals.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	MaxFrameSize int64 `yaml:"max_frame_size"`

	// Identity is sent in the greeting; a random UUID when empty.
	Identity string `yaml:"identity"`
}

func (c SocketConfig) withDefaults(kind SocketType) SocketConfig {
	if c.SendHWM <= 0 {
		c.SendHWM = DefaultHWM
	}
	if c.RecvHWM <= 0 {
		c.RecvHWM = DefaultHWM
	}
	if c.HWMPolicy == HWMDefault {
		if kind == Pub {
			c.HWMPolicy = HWMDrop
		} else {
			c.HWMPolicy = HWMBlock
		}
	}
	if c.Linger == 0 {
		c.Linger = DefaultLinger
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.ReconnectIntervalMax <= 0 {
		c.ReconnectIntervalMax = DefaultReconnectMax
	}
	if c.ReconnectIntervalMax < c.ReconnectInterval {
		c.ReconnectIntervalMax = c.ReconnectInterval
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	return c
}

func (c SocketConfig) validate() error {
	switch c.HWMPolicy {
	case HWMDefault, HWMDrop, HWMBlock:
	default:
		return &ConfigurationError{Field: "hwm_policy", Reason: fmt.Sprintf("unknown policy %q", c.HWMPolicy)}
	}
	if c.SendTimeout < 0 || c.RecvTimeout < 0 {
		return &ConfigurationError{Field: "timeout", Reason: "timeouts cannot be negative"}
	}
	return nil
}

// ContextConfig holds configuration for creating a Context
type ContextConfig struct {
	Logger *zerolog.Logger
	// Clock drives poller timers, heartbeats and reconnect backoff.
	Clock clock.Clock
}

// DeviceConfig holds configuration for creating a Device
type DeviceConfig struct {
	// Name labels logs and, with Registry, the advertised service.
	Name string `yaml:"name"`

	// PollInterval bounds each frontend receive; Stop is observed within it.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Subscriptions pre-configure a forwarder's frontend.
	Subscriptions []string `yaml:"subscriptions"`

	Frontend SocketConfig `yaml:"frontend_socket"`
	Backend  SocketConfig `yaml:"backend_socket"`

	// Registry, when set, advertises the device endpoints while it runs.
	Registry *Registry `yaml:"-"`
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// DeviceSpec describes one device in a device file
type DeviceSpec struct {
	Kind         DeviceKind `yaml:"kind"`
	FrontendAddr string     `yaml:"frontend"`
	BackendAddr  string     `yaml:"backend"`
	DeviceConfig `yaml:",inline"`
}

// DeviceFile is the YAML document read by device runners
type DeviceFile struct {
	LogLevel     string       `yaml:"log_level"`
	MetricsAddr  string       `yaml:"metrics_addr"`
	RegistryPath string       `yaml:"registry_path"`
	Devices      []DeviceSpec `yaml:"devices"`
}

// LoadDeviceFile reads and validates a device file
func LoadDeviceFile(path string) (*DeviceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}
	return ParseDeviceFile(data)
}

// ParseDeviceFile decodes and validates a YAML device file
func ParseDeviceFile(data []byte) (*DeviceFile, error) {
	var file DeviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigurationError{Field: "device file", Reason: "invalid yaml", Err: err}
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate checks every device entry
func (f *DeviceFile) Validate() error {
	if len(f.Devices) == 0 {
		return &ConfigurationError{Field: "devices", Reason: "no devices configured"}
	}
	names := make(map[string]bool)
	for i, d := range f.Devices {
		field := fmt.Sprintf("devices[%d]", i)
		switch d.Kind {
		case KindForwarder, KindStreamer:
		default:
			return &ConfigurationError{Field: field + ".kind", Reason: fmt.Sprintf("unknown device kind %q", d.Kind)}
		}
		if _, err := ParseEndpoint(d.FrontendAddr); err != nil {
			return &ConfigurationError{Field: field + ".frontend", Reason: "bad endpoint", Err: err}
		}
		if _, err := ParseEndpoint(d.BackendAddr); err != nil {
			return &ConfigurationError{Field: field + ".backend", Reason: "bad endpoint", Err: err}
		}
		if d.Kind == KindStreamer && len(d.Subscriptions) > 0 {
			return &ConfigurationError{Field: field + ".subscriptions", Reason: "streamer devices do not subscribe"}
		}
		if d.Name != "" {
			if names[d.Name] {
				return &ConfigurationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate name %q", d.Name)}
			}
			names[d.Name] = true
		}
		if err := d.Frontend.validate(); err != nil {
			return err
		}
		if err := d.Backend.validate(); err != nil {
			return err
		}
	}
	return nil
}
