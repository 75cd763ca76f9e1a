package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostSplit_Addresses(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"atop-1.internal:9000", "atop-1.internal"},
		{"atop-1.internal", "atop-1.internal"},
		{"10.0.0.7:22", "10.0.0.7"},
		{"[2001:db8::1]:8080", "2001:db8::1"},
		{"[2001:db8::1]", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			s := HostSplit{Host: tt.host, TimeZone: "UTC"}
			assert.Equal(t, []string{tt.want}, s.Addresses())
		})
	}
}

func TestHostSplit_Date(t *testing.T) {
	s := HostSplit{Host: "h", EpochSeconds: 1700000000, TimeZone: "Asia/Tokyo"}
	d, err := s.Date()
	require.NoError(t, err)

	assert.Equal(t, "Asia/Tokyo", d.Location().String())
	assert.True(t, d.Equal(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)))
	assert.Equal(t, 15, d.Day())
	assert.Equal(t, 7, d.Hour())
}

func TestHostSplit_Validate(t *testing.T) {
	tests := []struct {
		name    string
		split   HostSplit
		wantErr bool
	}{
		{"valid", HostSplit{Host: "h:1", TimeZone: "UTC"}, false},
		{"missing host", HostSplit{TimeZone: "UTC"}, true},
		{"missing zone", HostSplit{Host: "h"}, true},
		{"unknown zone", HostSplit{Host: "h", TimeZone: "Mars/Olympus"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.split.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestHostSplit_InfoAndSize(t *testing.T) {
	s := HostSplit{Host: "h:1", EpochSeconds: 42, TimeZone: "UTC"}
	assert.Equal(t, map[string]string{"host": "h:1", "epoch_seconds": "42", "time_zone": "UTC"}, s.Info())
	assert.Equal(t, int64(hostSplitOverhead+3+3), s.RetainedSizeBytes())
	assert.False(t, s.RemotelyAccessible())
}

func TestOutputTableHandle_Validate(t *testing.T) {
	outputs := []string{"region", "total"}
	tests := []struct {
		name    string
		handle  OutputTableHandle
		wantErr string
	}{
		{"valid", OutputTableHandle{Schema: "sales", Table: "daily", Owner: "etl", PartitionColumns: []string{"region"}}, ""},
		{"no partitions", OutputTableHandle{Schema: "sales", Table: "daily", Owner: "etl"}, ""},
		{"missing schema", OutputTableHandle{Table: "daily", Owner: "etl"}, "schema is required"},
		{"missing table", OutputTableHandle{Schema: "sales", Owner: "etl"}, "table is required"},
		{"missing owner", OutputTableHandle{Schema: "sales", Table: "daily"}, "owner is required"},
		{"unknown partition column", OutputTableHandle{Schema: "sales", Table: "daily", Owner: "etl", PartitionColumns: []string{"day"}}, "not an output column"},
		{"duplicate partition column", OutputTableHandle{Schema: "sales", Table: "daily", Owner: "etl", PartitionColumns: []string{"region", "region"}}, "listed twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.handle.Validate(outputs)
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestOutputTableHandle_QualifiedName(t *testing.T) {
	h := OutputTableHandle{Schema: "sales", Table: "daily"}
	assert.Equal(t, "sales.daily", h.QualifiedName())
}
