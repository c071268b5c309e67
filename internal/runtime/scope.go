// Package runtime resolves the active runtime scope and builds the query
// filters that keep prod and beta deployments apart while they share one
// database and queue cluster.
package runtime

import (
	"fmt"
	"strings"
)

// TagProd is the runtime tag of the production deployment.
const TagProd = "prod"

// DefaultField is the record field carrying the runtime tag.
const DefaultField = "runtime_tag"

// Scope identifies the runtime a worker belongs to. Records created before
// runtime tagging existed carry no tag at all; the prod scope accepts those
// legacy records, a beta scope never does.
type Scope struct {
	Tag string
}

// ResolveTag normalizes the beta-tag environment value. Empty and "false"
// mean prod, "true" selects the default beta tag, anything else is used as
// the tag verbatim.
func ResolveTag(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	switch strings.ToLower(value) {
	case "false":
		return ""
	case "true":
		return "beta"
	}
	return value
}

// NewScope builds the scope for a beta-tag environment value.
func NewScope(betaTag string) Scope {
	if tag := ResolveTag(betaTag); tag != "" {
		return Scope{Tag: tag}
	}
	return Scope{Tag: TagProd}
}

// Prod reports whether this is the production scope.
func (s Scope) Prod() bool {
	return s.Tag == TagProd
}

// Clause returns a SurrealQL condition on field restricting a query to this
// scope, plus the bind variables it references. Callers append it to their
// WHERE clause with AND. The field name is interpolated and must be a fixed
// identifier, never user input.
func (s Scope) Clause(field string) (string, map[string]any) {
	vars := map[string]any{"runtime_tag": s.Tag}
	if s.Prod() {
		return fmt.Sprintf("(%s = $runtime_tag OR %s = NONE OR %s = '')", field, field, field), vars
	}
	return fmt.Sprintf("%s = $runtime_tag", field), vars
}

// Matches reports whether a fetched record's tag belongs to this scope.
// Every handler re-verifies the record it loaded with this before mutating
// anything, even when the lookup query was already scoped.
func (s Scope) Matches(tag string) bool {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return s.Prod()
	}
	return tag == s.Tag
}

// QueueName derives the runtime-local name for a queue. Prod keeps the base
// name so existing queues stay addressable; beta runtimes get their own
// suffixed queues.
func (s Scope) QueueName(base string) string {
	if s.Prod() {
		return base
	}
	return base + "-" + s.Tag
}

func (s Scope) String() string {
	return s.Tag
}
