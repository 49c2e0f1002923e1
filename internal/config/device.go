package config

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

const (
	deviceSalt      = "POSSYNC-DEVICE"
	unknownDeviceID = "POS-UNKNOWN"
)

// DefaultDeviceID derives a stable id from the first active network
// interface with a hardware address. Tills without one get POS-UNKNOWN.
func DefaultDeviceID() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return unknownDeviceID
	}
	return deviceIDFrom(ifaces)
}

func deviceIDFrom(ifaces []net.Interface) string {
	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 || len(i.HardwareAddr) == 0 {
			continue
		}
		sum := sha256.Sum256([]byte(i.HardwareAddr.String() + deviceSalt))
		return "POS-" + strings.ToUpper(hex.EncodeToString(sum[:])[:8])
	}
	return unknownDeviceID
}
