package connector

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// hostSplitOverhead approximates the fixed size of a HostSplit value.
const hostSplitOverhead = 48

// HostSplit is a unit of input read from one host at one point in time. It
// is carried on aggregation requests to say where the rows came from.
type HostSplit struct {
	// Host is host or host:port.
	Host         string `json:"host" yaml:"host"`
	EpochSeconds int64  `json:"epoch_seconds" yaml:"epoch_seconds"`
	TimeZone     string `json:"time_zone" yaml:"time_zone"`
}

// Validate checks that the host is present and the time zone is known.
func (s *HostSplit) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.TimeZone == "" {
		return fmt.Errorf("time_zone is required")
	}
	if _, err := time.LoadLocation(s.TimeZone); err != nil {
		return fmt.Errorf("invalid time_zone %q: %w", s.TimeZone, err)
	}
	return nil
}

// Date is the split instant in its time zone.
func (s *HostSplit) Date() (time.Time, error) {
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time_zone %q: %w", s.TimeZone, err)
	}
	return time.Unix(s.EpochSeconds, 0).In(loc), nil
}

// Addresses lists where the split can be read, with the port dropped.
func (s *HostSplit) Addresses() []string {
	return []string{hostText(s.Host)}
}

// RemotelyAccessible is always false: a split is read on its own host.
func (s *HostSplit) RemotelyAccessible() bool { return false }

// Info is the split rendered for logs and stats.
func (s *HostSplit) Info() map[string]string {
	return map[string]string{
		"host":          s.Host,
		"epoch_seconds": strconv.FormatInt(s.EpochSeconds, 10),
		"time_zone":     s.TimeZone,
	}
}

// RetainedSizeBytes estimates the memory held by the split.
func (s *HostSplit) RetainedSizeBytes() int64 {
	return hostSplitOverhead + int64(len(s.Host)) + int64(len(s.TimeZone))
}

func (s *HostSplit) String() string {
	return fmt.Sprintf("HostSplit{host=%s, epochSeconds=%d, timeZone=%s}", s.Host, s.EpochSeconds, s.TimeZone)
}

// hostText strips an optional port, keeping bracketed IPv6 literals intact
// without their brackets.
func hostText(hostPort string) string {
	if host, _, err := net.SplitHostPort(hostPort); err == nil {
		return host
	}
	if len(hostPort) > 1 && hostPort[0] == '[' && hostPort[len(hostPort)-1] == ']' {
		return hostPort[1 : len(hostPort)-1]
	}
	return hostPort
}
