package v1

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadAggregateRequest reads one request from a YAML file. A file without a
// request_id gets one derived from the SHA-256 of its content, so resubmitting
// an unchanged file reuses the same id.
func LoadAggregateRequest(path string) (*AggregateRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request file %s: %w", path, err)
	}

	var req AggregateRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing request file %s: %w", path, err)
	}
	if req.RequestID == "" {
		req.RequestID = fmt.Sprintf("file-%x", sha256.Sum256(data))[:17]
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("request file %s: %w", path, err)
	}
	return &req, nil
}

// LoadAggregateRequests loads every *.yaml / *.yml file of dir in name order.
// Request ids must be unique across the directory.
func LoadAggregateRequests(dir string) ([]*AggregateRequest, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("request dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("request path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading request dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*AggregateRequest
	ids := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		req, err := LoadAggregateRequest(path)
		if err != nil {
			return nil, err
		}
		if prev, exists := ids[req.RequestID]; exists {
			return nil, fmt.Errorf("request %q: duplicate request_id (%s and %s)", req.RequestID, prev, path)
		}
		ids[req.RequestID] = path
		out = append(out, req)
	}
	return out, nil
}
