package discovery

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/juju/errors"
	"go.bug.st/serial/enumerator"
)

type Port struct {
	Path       string
	HardwareID string
	Product    string
	USB        bool
}

func (p Port) String() string { return fmt.Sprintf("%s %s", p.Path, p.HardwareID) }

type Enumerator interface {
	List() ([]Port, error)
}

// SystemEnumerator lists OS serial devices with USB details.
type SystemEnumerator struct{}

func (SystemEnumerator) List() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Annotate(err, "enumerate serial ports")
	}
	ports := make([]Port, 0, len(details))
	for _, d := range details {
		if !accessible(d.Name) {
			continue
		}
		ports = append(ports, Port{
			Path:       d.Name,
			HardwareID: HardwareID(d),
			Product:    d.Product,
			USB:        d.IsUSB,
		})
	}
	return ports, nil
}

// HardwareID format: USB VID:PID=0451:BEF3 SER=L1234 PORT=/dev/ttyACM0
func HardwareID(d *enumerator.PortDetails) string {
	if !d.IsUSB {
		return "PORT=" + d.Name
	}
	id := fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(d.VID), strings.ToUpper(d.PID))
	if d.SerialNumber != "" {
		id += " SER=" + d.SerialNumber
	}
	return id + " PORT=" + d.Name
}

// DefaultAllow matches TI XDS110 debug probe shipped with SensorTag.
// Each probe exposes two ports, the application UART is the first one.
func DefaultAllow(goos string) []string {
	switch goos {
	case "windows":
		return []string{`(?i)USB VID:PID=0451:BEF3 SER=\w+ PORT=COM\d+`}
	case "darwin":
		return []string{`(?i)USB VID:PID=0451:BEF3 .*PORT=/dev/(cu|tty)\.usbmodem\w*1$`}
	default:
		return []string{`(?i)USB VID:PID=0451:BEF3 .*PORT=/dev/ttyACM\d*[02468]$`}
	}
}

func defaultAllow() []string { return DefaultAllow(runtime.GOOS) }
