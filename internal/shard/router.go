// Package shard maps telephone numbers to the physical binding table that owns them.
//
// Partitions are named base_name + "_" + the first PrefixLength characters of the
// number, so every number with the same leading digits lands in the same table.
package shard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kursadbilgin/binding-engine/internal/domain"
)

const (
	DefaultBaseTable    = "number_imsi_binding"
	DefaultPrefixLength = 3
)

// Router resolves partition names. It holds no mutable state and is safe for concurrent use.
type Router struct {
	baseName  string
	prefixLen int
}

func NewRouter(baseName string, prefixLen int) (*Router, error) {
	baseName = strings.TrimSpace(baseName)
	if baseName == "" {
		baseName = DefaultBaseTable
	}
	if !isIdentifier(baseName) {
		return nil, fmt.Errorf("%w: invalid base table name %q", domain.ErrInvalidInput, baseName)
	}
	if prefixLen <= 0 {
		prefixLen = DefaultPrefixLength
	}

	return &Router{baseName: baseName, prefixLen: prefixLen}, nil
}

func (r *Router) BaseName() string { return r.baseName }

func (r *Router) PrefixLength() int { return r.prefixLen }

// RouteTable returns the partition owning number.
func (r *Router) RouteTable(number string) (string, error) {
	number = strings.TrimSpace(number)
	if len(number) < r.prefixLen {
		return "", fmt.Errorf("%w: number %q must be at least %d characters", domain.ErrInvalidInput, number, r.prefixLen)
	}
	return r.RouteTableByPrefix(number[:r.prefixLen])
}

// RouteTableByPrefix returns the partition for an exact-length prefix.
func (r *Router) RouteTableByPrefix(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if len(prefix) != r.prefixLen {
		return "", fmt.Errorf("%w: prefix %q must be exactly %d characters", domain.ErrInvalidInput, prefix, r.prefixLen)
	}
	if !isAlphanumeric(prefix) {
		return "", fmt.Errorf("%w: prefix %q must be alphanumeric", domain.ErrInvalidInput, prefix)
	}
	return r.baseName + "_" + prefix, nil
}

// PrefixOf extracts the prefix from a partition name produced by this router.
func (r *Router) PrefixOf(partition string) (string, bool) {
	prefix, ok := strings.CutPrefix(partition, r.baseName+"_")
	if !ok || len(prefix) != r.prefixLen || !isAlphanumeric(prefix) {
		return "", false
	}
	return prefix, true
}

// RoutePrefixRange narrows known partitions to those that can hold numbers starting with prefix.
// A prefix shorter than the shard prefix matches every partition sharing it; a longer one is
// truncated to a single partition. An empty prefix returns all known partitions.
func (r *Router) RoutePrefixRange(prefix string, known []string) ([]string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !isAlphanumeric(prefix) {
		return nil, fmt.Errorf("%w: prefix %q must be alphanumeric", domain.ErrInvalidInput, prefix)
	}

	if len(prefix) >= r.prefixLen {
		partition, err := r.RouteTableByPrefix(prefix[:r.prefixLen])
		if err != nil {
			return nil, err
		}
		for _, name := range known {
			if name == partition {
				return []string{partition}, nil
			}
		}
		return []string{}, nil
	}

	matched := make([]string, 0, len(known))
	for _, name := range known {
		p, ok := r.PrefixOf(name)
		if !ok {
			continue
		}
		if strings.HasPrefix(p, prefix) {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

func isAlphanumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

func isIdentifier(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			continue
		}
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return s != "" && (s[0] < '0' || s[0] > '9')
}
