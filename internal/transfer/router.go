package transfer

import (
	"context"
	"fmt"
	"strings"
)

// Route binds a provider to the locations it serves. Prefixes are matched
// case-insensitively against the start of a location; Local additionally
// claims plain paths without a scheme.
type Route struct {
	Name     string
	Prefixes []string
	Local    bool
	Port     Port
}

func (r Route) matches(location string) bool {
	lower := strings.ToLower(location)
	for _, p := range r.Prefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return r.Local && schemeOf(location) == ""
}

// Router is a Port that delegates to the first registered route matching
// the location, then to the fallback provider if one is set.
type Router struct {
	routes   []Route
	fallback Port
}

// NewRouter creates a router over routes, evaluated in order.
func NewRouter(routes ...Route) *Router {
	return &Router{routes: routes}
}

// WithFallback sets the provider used when no route matches.
func (r *Router) WithFallback(p Port) *Router {
	r.fallback = p
	return r
}

// Resolve returns the provider for location.
func (r *Router) Resolve(location string) (Port, error) {
	for _, rt := range r.routes {
		if rt.matches(location) {
			return rt.Port, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w for %q", ErrNoProvider, location)
}

// RouteName reports which route serves location, for logging.
func (r *Router) RouteName(location string) string {
	for _, rt := range r.routes {
		if rt.matches(location) {
			return rt.Name
		}
	}
	if r.fallback != nil {
		return "fallback"
	}
	return ""
}

// Fetch implements Port, routing by source.
func (r *Router) Fetch(ctx context.Context, source, destination string) (string, error) {
	p, err := r.Resolve(source)
	if err != nil {
		return "", err
	}
	return p.Fetch(ctx, source, destination)
}

// FetchAsync implements Port, routing by source.
func (r *Router) FetchAsync(ctx context.Context, source, destination string) <-chan Outcome {
	p, err := r.Resolve(source)
	if err != nil {
		return failed(err)
	}
	return p.FetchAsync(ctx, source, destination)
}

// Upload implements Port, routing by destination.
func (r *Router) Upload(ctx context.Context, localPath, destination string) (string, error) {
	p, err := r.Resolve(destination)
	if err != nil {
		return "", err
	}
	return p.Upload(ctx, localPath, destination)
}

// UploadAsync implements Port, routing by destination.
func (r *Router) UploadAsync(ctx context.Context, localPath, destination string) <-chan Outcome {
	p, err := r.Resolve(destination)
	if err != nil {
		return failed(err)
	}
	return p.UploadAsync(ctx, localPath, destination)
}

// Cleanup implements Port, routing by the local path.
func (r *Router) Cleanup(ctx context.Context, localPath string) error {
	p, err := r.Resolve(localPath)
	if err != nil {
		return err
	}
	return p.Cleanup(ctx, localPath)
}

func failed(err error) <-chan Outcome {
	ch := make(chan Outcome, 1)
	ch <- Outcome{Err: err}
	close(ch)
	return ch
}

// DefaultObjectPrefixes are the object storage schemes routed to Storage by
// NewDefaultRouter.
var DefaultObjectPrefixes = []string{"s3://", "gs://", "mem://"}

// NewDefaultRouter wires the standard providers: object storage for
// objectPrefixes, HTTP for web URLs and local storage for plain paths and
// file:// URLs.
func NewDefaultRouter(objectPrefixes []string, httpProvider *HTTP) *Router {
	if len(objectPrefixes) == 0 {
		objectPrefixes = DefaultObjectPrefixes
	}
	if httpProvider == nil {
		httpProvider = NewHTTP(nil)
	}
	storage := NewStorage(nil)
	return NewRouter(
		Route{Name: "object", Prefixes: objectPrefixes, Port: storage},
		Route{Name: "http", Prefixes: []string{"http://", "https://"}, Port: httpProvider},
		Route{Name: "local", Prefixes: []string{"file://"}, Local: true, Port: storage},
	)
}
