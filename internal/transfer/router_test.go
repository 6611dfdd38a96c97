package transfer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// namedPort records which provider served a call.
type namedPort struct {
	name  string
	calls []string
}

func (p *namedPort) Fetch(_ context.Context, source, destination string) (string, error) {
	p.calls = append(p.calls, "fetch:"+source)
	return destination, nil
}

func (p *namedPort) FetchAsync(ctx context.Context, source, destination string) <-chan Outcome {
	return goAsync(ctx, func(ctx context.Context) (string, error) { return p.Fetch(ctx, source, destination) })
}

func (p *namedPort) Upload(_ context.Context, localPath, destination string) (string, error) {
	p.calls = append(p.calls, "upload:"+destination)
	return destination, nil
}

func (p *namedPort) UploadAsync(ctx context.Context, localPath, destination string) <-chan Outcome {
	return goAsync(ctx, func(ctx context.Context) (string, error) { return p.Upload(ctx, localPath, destination) })
}

func (p *namedPort) Cleanup(_ context.Context, localPath string) error {
	p.calls = append(p.calls, "cleanup:"+localPath)
	return nil
}

func TestRouterFirstMatchWins(t *testing.T) {
	object := &namedPort{name: "object"}
	web := &namedPort{name: "http"}
	local := &namedPort{name: "local"}
	shadow := &namedPort{name: "shadow"}

	r := NewRouter(
		Route{Name: "object", Prefixes: []string{"s3://", "gs://"}, Port: object},
		Route{Name: "http", Prefixes: []string{"http://", "https://"}, Port: web},
		Route{Name: "shadow", Prefixes: []string{"S3://"}, Port: shadow},
		Route{Name: "local", Local: true, Port: local},
	)

	tests := []struct {
		location string
		want     string
	}{
		{"s3://bucket/key", "object"},
		{"S3://bucket/key", "object"},
		{"gs://bucket/key", "object"},
		{"https://example.com/a", "http"},
		{"/tmp/data.csv", "local"},
		{"relative/data.csv", "local"},
	}
	for _, tt := range tests {
		p, err := r.Resolve(tt.location)
		require.NoError(t, err, tt.location)
		assert.Equal(t, tt.want, p.(*namedPort).name, tt.location)
		assert.Equal(t, tt.want, r.RouteName(tt.location))
	}
	assert.Empty(t, shadow.calls)
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(Route{Name: "object", Prefixes: []string{"s3://"}, Port: &namedPort{}})

	_, err := r.Fetch(context.Background(), "ftp://host/file", "/tmp/x")
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = r.Upload(context.Background(), "/tmp/x", "/local/path")
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = Await(context.Background(), r.FetchAsync(context.Background(), "ftp://host/file", "/tmp/x"))
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestRouterFallback(t *testing.T) {
	fallback := &namedPort{name: "fallback"}
	r := NewRouter().WithFallback(fallback)

	_, err := r.Fetch(context.Background(), "ftp://host/file", "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch:ftp://host/file"}, fallback.calls)
	assert.Equal(t, "fallback", r.RouteName("ftp://host/file"))
}

func TestRouterRoutesByDirection(t *testing.T) {
	object := &namedPort{name: "object"}
	local := &namedPort{name: "local"}
	r := NewRouter(
		Route{Name: "object", Prefixes: []string{"s3://"}, Port: object},
		Route{Name: "local", Local: true, Port: local},
	)
	ctx := context.Background()

	_, err := r.Fetch(ctx, "s3://b/in.csv", "/work/in.csv")
	require.NoError(t, err)
	_, err = r.Upload(ctx, "/work/out.csv", "s3://b/out.csv")
	require.NoError(t, err)
	require.NoError(t, r.Cleanup(ctx, "/work/in.csv"))
	_, err = Await(ctx, r.UploadAsync(ctx, "/work/out.csv", "s3://b/out2.csv"))
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch:s3://b/in.csv", "upload:s3://b/out.csv", "upload:s3://b/out2.csv"}, object.calls)
	assert.Equal(t, []string{"cleanup:/work/in.csv"}, local.calls)
}

func TestDefaultRouterMemAndLocal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := NewDefaultRouter(nil, nil)

	writeFile(t, filepath.Join(dir, "out.txt"), "hello")
	_, err := r.Upload(ctx, filepath.Join(dir, "out.txt"), "mem://localhost/jobflow-router/out.txt")
	require.NoError(t, err)

	staged := filepath.Join(dir, "staged", "in.txt")
	_, err = r.Fetch(ctx, "mem://localhost/jobflow-router/out.txt", staged)
	require.NoError(t, err)
	assert.FileExists(t, staged)

	require.NoError(t, r.Cleanup(ctx, staged))
	require.NoError(t, r.Cleanup(ctx, staged))
	assert.NoFileExists(t, staged)
	assert.Equal(t, "http", r.RouteName("https://example.com/x"))
}
