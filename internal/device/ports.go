package device

import (
	"fmt"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one serial port visible to the host.
type PortInfo struct {
	Name    string `json:"name"`
	IsUSB   bool   `json:"isUsb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
}

// Lister enumerates ports.
type Lister func() ([]*enumerator.PortDetails, error)

// ListPorts returns every port the OS reports.
func ListPorts() ([]PortInfo, error) {
	return listPortsWith(enumerator.GetDetailedPortsList)
}

func listPortsWith(list Lister) ([]PortInfo, error) {
	details, err := list()
	if err != nil {
		return nil, fmt.Errorf("device: enumerate ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	return out, nil
}
