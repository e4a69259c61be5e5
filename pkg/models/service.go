package models

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Reachability is the ephemeral tri-state liveness of a service. It is recomputed every poll cycle.
type Reachability int8

const (
	// Unknown means the service was not probed yet in this session.
	Unknown Reachability = iota
	Reachable
	Unreachable
)

// ReachabilityOf converts a probe verdict into a Reachability.
func ReachabilityOf(ok bool) Reachability {
	if ok {
		return Reachable
	}
	return Unreachable
}

func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes Unknown as null and the other states as booleans.
func (r Reachability) MarshalJSON() ([]byte, error) {
	switch r {
	case Reachable:
		return []byte("true"), nil
	case Unreachable:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, true or false.
func (r *Reachability) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "null":
		*r = Unknown
	case "true":
		*r = Reachable
	case "false":
		*r = Unreachable
	default:
		return fmt.Errorf("invalid reachability %s", data)
	}
	return nil
}

// Service represents an application (PiAppServer) bound to a port and path on a device.
type Service struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Path        string       `json:"path"`
	Port        int          `json:"port"`
	Secure      bool         `json:"secure"`
	Category    string       `json:"category,omitempty"`
	Description string       `json:"description,omitempty"`
	Repository  string       `json:"repository,omitempty"`
	Reachable   Reachability `json:"reachable"`
}

// URL returns the probe candidate for this service on the given address.
func (s Service) URL(address string) string {
	return CandidateURL(address, s.Port, s.Path, s.Secure)
}

// CandidateURL builds scheme://address:port/path. Leading slashes of path collapse into one,
// trailing slashes are kept.
func CandidateURL(address string, port int, path string, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	host := strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/" + strings.TrimLeft(path, "/")
}

// CandidateURLs builds one candidate per address, in order.
func CandidateURLs(addresses []string, svc Service) []string {
	urls := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		urls = append(urls, svc.URL(addr))
	}
	return urls
}

