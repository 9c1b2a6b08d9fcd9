// Package config turns raw tunnel preferences into a typed TunnelConfig.
//
// Normalization never fails: a port that cannot be parsed falls back to its
// default. ValidPort is the strict check used where the user can be told.
package config

import (
	"strconv"
	"strings"

	"github.com/treykane/iap-tunnel/internal/model"
	"github.com/treykane/iap-tunnel/internal/util"
)

// Normalize trims every preference and resolves both ports to integers.
func Normalize(p model.Preferences) model.TunnelConfig {
	return model.TunnelConfig{
		DBPrivateIP:     strings.TrimSpace(p.DBPrivateIP),
		BastionInstance: strings.TrimSpace(p.BastionInstance),
		BastionZone:     strings.TrimSpace(p.BastionZone),
		LocalPort:       ParsePort(p.LocalPort, util.DefaultLocalPort),
		RemotePort:      ParsePort(p.RemotePort, util.DefaultRemotePort),
		GcloudPath:      strings.TrimSpace(p.GcloudPath),
	}
}

// ParsePort parses a base-10 port. Empty, non-numeric, zero, negative and
// out-of-range values yield fallback.
func ParsePort(raw string, fallback uint16) uint16 {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil || v == 0 {
		return fallback
	}
	return uint16(v)
}

// ValidPort reports whether raw parses to a port ParsePort would keep.
func ValidPort(raw string) bool {
	return ParsePort(raw, 0) != 0
}

// MissingFields lists the required fields that are empty, in display order.
func MissingFields(cfg model.TunnelConfig) []string {
	var missing []string
	if cfg.DBPrivateIP == "" {
		missing = append(missing, "db_private_ip")
	}
	if cfg.BastionInstance == "" {
		missing = append(missing, "bastion_instance")
	}
	if cfg.BastionZone == "" {
		missing = append(missing, "bastion_zone")
	}
	return missing
}
