package serialport

import (
	"os"
	"path/filepath"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// PortInfo describes one enumerated serial device.
type PortInfo struct {
	Device string // device path, e.g. /dev/ttyUSB0
	Driver string // kernel driver name, empty if unknown
}

// devicePatterns lists the /dev name families that can host serial ports.
var devicePatterns = []string{
	"/dev/ttyS*",
	"/dev/ttyUSB*",
	"/dev/ttyXRUSB*",
	"/dev/ttyACM*",
	"/dev/ttyAMA*",
	"/dev/rfcomm*",
	"/dev/ttyAP*",
}

// ListPorts enumerates the serial devices present on the system, in
// discovery order. A device counts as present only when the kernel exposes
// /sys/class/tty/<name>/device, which filters out the phantom ttyS nodes.
// Informational only; the connection lifecycle never depends on it.
func ListPorts() (*orderedmap.OrderedMap[string, PortInfo], error) {
	ports := orderedmap.New[string, PortInfo]()

	for _, pattern := range devicePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, device := range matches {
			name := filepath.Base(device)
			sysPath := filepath.Join("/sys/class/tty", name, "device")
			if _, err := os.Stat(sysPath); err != nil {
				continue
			}

			info := PortInfo{Device: device}
			if target, err := os.Readlink(filepath.Join(sysPath, "driver")); err == nil {
				info.Driver = filepath.Base(target)
			}
			ports.Set(device, info)
		}
	}
	return ports, nil
}
