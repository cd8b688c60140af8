package serialconn

import (
	"io"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an open byte stream to the machine. Close must unblock a
// pending Read.
type Port interface {
	io.ReadWriteCloser
}

// bufferResetter is implemented by ports that can discard their OS buffers,
// as serial.Port does.
type bufferResetter interface {
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Opener opens the named port with the given line settings.
type Opener func(name string, mode *serial.Mode) (Port, error)

// OpenSerial opens a serial port with go.bug.st/serial.
func OpenSerial(name string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// PortInfo describes an available serial port.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// PortLister lists the available ports.
type PortLister func() ([]PortInfo, error)

// EnumeratePorts lists the serial ports of the host, sorted by name.
//
// USB details are filled when the platform enumerator supports them;
// otherwise only names are reported.
func EnumeratePorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		sortPorts(ports)

		return ports, nil
	}

	names, nerr := serial.GetPortsList()
	if nerr != nil {
		return nil, nerr
	}

	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, PortInfo{Name: name})
	}
	sortPorts(ports)

	return ports, nil
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}
