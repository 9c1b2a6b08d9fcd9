package model

// Preferences holds the raw, untrusted preference strings exactly as the user
// entered them. Nothing here has been trimmed or parsed.
type Preferences struct {
	DBPrivateIP     string `yaml:"db_private_ip" json:"db_private_ip"`
	BastionInstance string `yaml:"bastion_instance" json:"bastion_instance"`
	BastionZone     string `yaml:"bastion_zone" json:"bastion_zone"`
	LocalPort       string `yaml:"local_port" json:"local_port"`
	RemotePort      string `yaml:"remote_port" json:"remote_port"`
	GcloudPath      string `yaml:"gcloud_path" json:"gcloud_path"`
}

// TunnelConfig is a normalized tunnel definition. Ports are always concrete.
// An empty GcloudPath means the tool location is auto-discovered.
type TunnelConfig struct {
	DBPrivateIP     string `json:"db_private_ip"`
	BastionInstance string `json:"bastion_instance"`
	BastionZone     string `json:"bastion_zone"`
	LocalPort       uint16 `json:"local_port"`
	RemotePort      uint16 `json:"remote_port"`
	GcloudPath      string `json:"gcloud_path,omitempty"`
}

type TunnelStatus string

const (
	StatusConnected    TunnelStatus = "connected"
	StatusStarting     TunnelStatus = "starting"
	StatusDisconnected TunnelStatus = "disconnected"
	StatusError        TunnelStatus = "error"
)

// StatusInfo is the snapshot returned to UIs on every poll.
type StatusInfo struct {
	Status      TunnelStatus `json:"status"`
	PID         int          `json:"pid,omitempty"`
	PortOpen    bool         `json:"portOpen"`
	PIDRunning  bool         `json:"pidRunning"`
	LastStartAt string       `json:"lastStartAt,omitempty"`
	LogTail     string       `json:"logTail,omitempty"`
}
