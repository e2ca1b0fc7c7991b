// Package resolver derives extra display fields from downloaded files.
package resolver

import (
	"fmt"
	"log/slog"
	"nextcloud-notifier/pkg/notifier"
)

// Resolver inspects a local file and contributes one display field.
// Implementations must only read the file they are given.
type Resolver interface {
	// Name is the display name of the produced field.
	Name() string
	// Inline reports whether the field may be rendered next to others.
	Inline() bool
	// Relevant reports whether the resolver applies to the file at path.
	Relevant(path string) bool
	// Resolve produces the field value for the file at path.
	Resolve(path string) (string, error)
}

// Registry holds resolvers in registration order.
type Registry struct {
	logger    *slog.Logger
	resolvers []Resolver
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register appends resolvers; they run in the order they were registered.
func (r *Registry) Register(resolvers ...Resolver) {
	r.resolvers = append(r.resolvers, resolvers...)
}

// Len returns the number of registered resolvers.
func (r *Registry) Len() int {
	return len(r.resolvers)
}

// Fields runs every relevant resolver against the file at path. A resolver
// that fails only loses its own field.
func (r *Registry) Fields(path string) []notifier.Field {
	var fields []notifier.Field
	for _, res := range r.resolvers {
		if !res.Relevant(path) {
			continue
		}
		value, err := safeResolve(res, path)
		if err != nil {
			r.logger.Warn("Resolver failed", "resolver", res.Name(), "path", path, "error", err)
			continue
		}
		fields = append(fields, notifier.Field{
			Name:   res.Name(),
			Value:  value,
			Inline: res.Inline(),
		})
	}
	return fields
}

func safeResolve(res Resolver, path string) (value string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return res.Resolve(path)
}
