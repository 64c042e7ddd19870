// Package secrets resolves secret:// configuration references against Google Secret Manager,
// falling back to a local dotenv file for development.
//
// A reference names a secret and optionally pins a project and version:
//
//	secret://psp_stripe_api_key
//	secret://psp_stripe_api_key?version=5&project=payments-prod
//
// The fallback file holds one NAME=value line per secret, or NAME.VERSION=value for a pinned version.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	latestVersion       = "latest"
	meterName           = "github.com/hanko-field/reconciler/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves references, caching values for a bounded time so rotated PSP keys are picked up.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	now        func() time.Time

	project     string
	versionPins map[string]string
	cacheTTL    time.Duration

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cachedSecret

	resolutions metric.Int64Counter
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	versionPins  map[string]string
	fallbackPath string
	cacheTTL     time.Duration
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
	now          func() time.Time
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment selects the entry of the project map used for references without a project.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project used when the project map has no entry for the environment.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap maps environment labels to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectMap = m
	}
}

// WithVersionPins pins versions by canonical reference (secret://name) or env-qualified reference
// (prod:secret://name). A version in the reference itself wins over any pin.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.versionPins = pins
	}
}

// WithFallbackFile overrides the dotenv file consulted when Secret Manager is unreachable.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithCacheTTL bounds how long a resolved value is reused. Non-positive values keep the default.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.cacheTTL = ttl
		}
	}
}

// WithMeter injects the meter used for resolution counters.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

func withClock(now func() time.Time) Option {
	return func(cfg *fetcherConfig) {
		cfg.now = now
	}
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created leaves the fetcher
// in fallback-only mode rather than failing startup.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("RECON_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		cacheTTL:     defaultCacheTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}

	project := cfg.defaultProj
	if mapped := strings.TrimSpace(cfg.projectMap[cfg.env]); mapped != "" {
		project = mapped
	}

	f := &Fetcher{
		logger:       cfg.logger,
		now:          cfg.now,
		project:      project,
		versionPins:  resolvePins(cfg.env, cfg.versionPins),
		cacheTTL:     cfg.cacheTTL,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]cachedSecret),
	}

	counter, err := cfg.meter.Int64Counter("secrets.resolutions",
		metric.WithDescription("Secret resolutions by source"), metric.WithUnit("{resolution}"))
	if err != nil {
		cfg.logger.Warn("secrets: resolution counter unavailable", zap.Error(err))
	} else {
		f.resolutions = counter
	}

	switch {
	case cfg.client != nil:
		f.client = cfg.client
	case project == "":
		cfg.logger.Info("secrets: no project configured; resolving from fallback file only")
	default:
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager client unavailable; resolving from fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// Resolve returns the value behind ref. Secret Manager errors other than unavailability and
// permission failures are returned as-is so callers can distinguish NotFound.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	if parsed.version == "" {
		parsed.version = f.pinnedVersion(parsed.name)
	}
	project := parsed.project
	if project == "" {
		project = f.project
	}
	key := project + "/" + parsed.name + "@" + parsed.version

	if value, ok := f.cached(key); ok {
		f.record(ctx, "cache")
		return value, nil
	}

	if f.client != nil && project != "" {
		value, err := f.access(ctx, project, parsed.name, parsed.version)
		if err == nil {
			f.store(key, value)
			f.record(ctx, "secret_manager")
			return value, nil
		}
		if !fallbackEligible(err) {
			f.record(ctx, "error")
			return "", fmt.Errorf("secrets: resolve %s: %w", parsed.name, err)
		}
		f.logger.Warn("secrets: secret manager unreachable; using fallback file",
			zap.String("secret", parsed.name), zap.Error(err))
	}

	value, ok := f.lookupFallback(parsed.name, parsed.version)
	if !ok {
		f.record(ctx, "error")
		return "", fmt.Errorf("secrets: %s not found in fallback file %s", parsed.name, f.fallbackPath)
	}
	f.store(key, value)
	f.record(ctx, "fallback")
	return value, nil
}

func (f *Fetcher) access(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if !f.now().Before(entry.expiresAt) {
		delete(f.cache, key)
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{value: value, expiresAt: f.now().Add(f.cacheTTL)}
	f.mu.Unlock()
}

func (f *Fetcher) pinnedVersion(name string) string {
	if pin, ok := f.versionPins[name]; ok {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) lookupFallback(name, version string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets: unable to read fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
			}
			return
		}
		f.fallback = values
	})
	if version != latestVersion {
		if value, ok := f.fallback[name+"."+version]; ok {
			return value, true
		}
	}
	value, ok := f.fallback[name]
	return value, ok
}

func (f *Fetcher) record(ctx context.Context, source string) {
	if f.resolutions == nil {
		return
	}
	f.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

type reference struct {
	name    string
	version string
	project string
}

func parseReference(ref string) (reference, error) {
	raw := strings.TrimSpace(ref)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	return reference{
		name:    name,
		version: strings.TrimSpace(query.Get("version")),
		project: strings.TrimSpace(query.Get("project")),
	}, nil
}

// resolvePins flattens pins into name -> version, letting env-qualified pins override plain ones.
func resolvePins(env string, pins map[string]string) map[string]string {
	out := make(map[string]string, len(pins))
	qualified := make(map[string]string)
	for key, version := range pins {
		version = strings.TrimSpace(version)
		if version == "" {
			continue
		}
		scope, ref := "", strings.TrimSpace(key)
		if prefix, rest, ok := strings.Cut(ref, ":"); ok && !strings.HasPrefix(rest, "//") {
			scope, ref = strings.ToLower(strings.TrimSpace(prefix)), strings.TrimSpace(rest)
		}
		parsed, err := parseReference(ref)
		if err != nil {
			continue
		}
		switch scope {
		case "":
			out[parsed.name] = version
		case env:
			qualified[parsed.name] = version
		}
	}
	for name, version := range qualified {
		out[name] = version
	}
	return out
}

func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
