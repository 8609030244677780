package domain

import (
	"net"
	"strconv"
	"time"
)

// Endpoint is one solver server. Online is only ever set by a probe.
type Endpoint struct {
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Online     bool       `json:"online"`
	LastProbe  *time.Time `json:"last_probe,omitempty"`
	ProbeError string     `json:"probe_error,omitempty"`
}

// Address returns host:port, suitable for net.Dial
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
