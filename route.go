package dispatch

import (
	"fmt"
	"strings"
)

// RoutingPolicy decides which queue a task name resolves to, given the
// configured route table. The default resolver (Resolve) implements
// longest-prefix match; callers may supply an alternate policy, mirroring
// the teacher's pluggable RoutingPolicy/ExactMatchPolicy shape.
type RoutingPolicy interface {
	Resolve(taskName string, routes map[string]string) (string, error)
}

// LongestPrefixPolicy is the default RoutingPolicy.
type LongestPrefixPolicy struct{}

// Resolve implements RoutingPolicy using Resolve.
func (LongestPrefixPolicy) Resolve(taskName string, routes map[string]string) (string, error) {
	return Resolve(taskName, routes)
}

// normalizeRoutes rewrites the "module.path::task_name" route-key form
// to "module.path.task_name", so both forms compare uniformly.
func normalizeRoutes(routes map[string]string) map[string]string {
	normalized := make(map[string]string, len(routes))
	for key, queue := range routes {
		normalized[strings.ReplaceAll(key, "::", ".")] = queue
	}
	return normalized
}

// Resolve performs a longest dotted-prefix match of taskName against
// routes (after "::" normalization): if no exact match, the rightmost
// segment is stripped and the search retried. Resolution fails when the
// name is exhausted with nothing matched.
func Resolve(taskName string, routes map[string]string) (string, error) {
	normalized := normalizeRoutes(routes)
	name := taskName
	for {
		if queue, ok := normalized[name]; ok {
			return queue, nil
		}
		idx := strings.LastIndex(name, ".")
		if idx < 0 {
			return "", fmt.Errorf("unable to find queue name for task %q", taskName)
		}
		name = name[:idx]
	}
}
