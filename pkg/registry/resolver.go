package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/pkgstage/pkg/config"
	"github.com/matzehuels/pkgstage/pkg/errors"
	"github.com/matzehuels/pkgstage/pkg/observability"
	"github.com/matzehuels/pkgstage/pkg/pkgref"
)

// View is the registry's answer for one package version.
type View struct {
	ResolvedVersion string   // Version the registry resolved the request to
	TarballURL      *url.URL // Where the package tarball lives
	Integrity       string   // SRI token (alg-base64), may be empty
	Shasum          string   // Legacy SHA-1 hex digest, may be empty
}

// Resolver queries a registry for package version records.
type Resolver struct {
	client *Client
	policy config.NetworkPolicy
	logger *log.Logger
}

// NewResolver creates a Resolver from cfg. A nil logger uses log.Default().
func NewResolver(cfg config.Config, logger *log.Logger) *Resolver {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		client: NewClient(cfg.Headers, cfg.Attempts, time.Duration(cfg.RetryDelay), time.Duration(cfg.AttemptTimeout)),
		policy: cfg.Policy(),
		logger: logger,
	}
}

// Resolve fetches the version record for ref and validates it.
//
// When ref asks for "latest" and the registry resolves to a concrete version,
// a warning is logged and the view is returned. Any other difference between
// requested and resolved versions fails with ErrCodeInvalidVersion.
func (r *Resolver) Resolve(ctx context.Context, ref *pkgref.Ref) (*View, error) {
	start := time.Now()
	view, err := r.resolve(ctx, ref)

	resolved := ""
	if view != nil {
		resolved = view.ResolvedVersion
	}
	observability.Engine().OnResolve(ctx, ref.Name, ref.Version, resolved, time.Since(start), err)
	return view, err
}

func (r *Resolver) resolve(ctx context.Context, ref *pkgref.Ref) (*View, error) {
	u := ref.MetadataURL()
	if err := r.policy.Check(u); err != nil {
		return nil, err
	}

	r.logger.Debug("querying registry", "package", ref.String(), "url", u.String())
	resp, err := r.client.Get(ctx, u.String())
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFetchFailed, err, "query registry for %s", ref)
	}

	view, err := decodeView(resp)
	if err != nil {
		return nil, errors.Annotate(err, "%s", ref)
	}

	if view.ResolvedVersion != ref.Version {
		if !ref.IsLatest() {
			return nil, errors.New(errors.ErrCodeInvalidVersion,
				"%s: registry resolved version %s", ref, view.ResolvedVersion)
		}
		r.logger.Warn("package is using the latest version available, this could lead to non-reproducible builds",
			"package", ref.Name, "version", view.ResolvedVersion)
	}
	return view, nil
}

// record is one registry version document.
type record struct {
	Version string          `json:"version"`
	Dist    dist            `json:"dist"`
	Error   json.RawMessage `json:"error"`
}

type dist struct {
	Tarball   string `json:"tarball"`
	Integrity string `json:"integrity"`
	Shasum    string `json:"shasum"`
}

type errorPayload struct {
	Summary string `json:"summary"`
}

func decodeView(resp *Response) (*View, error) {
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return nil, errors.New(errors.ErrCodeMissingMetadata, "empty registry response (status %d)", resp.StatusCode)
	}

	raw := json.RawMessage(body)
	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, malformed(resp, err)
		}
		if len(items) == 0 {
			return nil, errors.New(errors.ErrCodeMissingMetadata, "registry returned no versions")
		}
		raw = items[len(items)-1]
	case '"':
		var msg string
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, malformed(resp, err)
		}
		return nil, errors.New(errors.ErrCodeMissingMetadata, "registry: %s", msg)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, malformed(resp, err)
	}
	if regErr := decodeError(rec.Error); regErr != nil {
		return nil, errors.Wrap(errors.ErrCodeRegistryError, regErr, "registry error")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.New(errors.ErrCodeMissingMetadata, "version not found in registry")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, errors.New(errors.ErrCodeFetchFailed, "registry answered status %d", resp.StatusCode)
	}

	if rec.Version == "" {
		return nil, errors.New(errors.ErrCodeMissingMetadata, "registry record has no version")
	}
	if rec.Dist.Tarball == "" {
		return nil, errors.New(errors.ErrCodeMissingMetadata, "registry record has no dist.tarball")
	}
	tarball, err := url.Parse(rec.Dist.Tarball)
	if err != nil || (tarball.Scheme != "http" && tarball.Scheme != "https") || tarball.Host == "" {
		return nil, errors.New(errors.ErrCodeMissingMetadata, "invalid tarball URL %q", rec.Dist.Tarball)
	}

	return &View{
		ResolvedVersion: rec.Version,
		TarballURL:      tarball,
		Integrity:       rec.Dist.Integrity,
		Shasum:          rec.Dist.Shasum,
	}, nil
}

// decodeError returns the registry error carried by raw, accepting both
// {"summary": "..."} objects and bare strings.
func decodeError(raw json.RawMessage) *errors.RegistryError {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var msg string
	if json.Unmarshal(raw, &msg) == nil {
		return &errors.RegistryError{Summary: msg}
	}
	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)
	return &errors.RegistryError{Summary: payload.Summary}
}

func malformed(resp *Response, err error) error {
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return errors.Wrap(errors.ErrCodeFetchFailed, err, "registry answered status %d", resp.StatusCode)
	}
	return errors.Wrap(errors.ErrCodeMissingMetadata, err, "malformed registry response")
}
