// Package pkgref parses and represents npm package identities.
//
// A package identity names one version of one package on one registry. It is
// usually written as an identity URL:
//
//	npm://registry.npmjs.org;name=left-pad;version=1.3.0
//	npms://npm.example.com/api;name=@scope/pkg;version=latest;downloadfilename=pkg.tgz
//
// The npm scheme maps to plain HTTP and npms to HTTPS. Identities are
// immutable once constructed.
package pkgref

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/matzehuels/pkgstage/pkg/errors"
)

// Latest is the version sentinel that resolves to the registry's latest
// dist-tag. Using it makes builds non-reproducible.
const Latest = "latest"

// Ref identifies a package version on a registry.
type Ref struct {
	Name             string   // Package name, possibly scoped (@scope/name)
	Version          string   // Exact version or Latest
	Registry         *url.URL // Registry base URL, always http or https
	DownloadFilename string   // Optional local filename override
}

// New builds a Ref from its parts. registry may use the npm, npms, http or
// https scheme.
func New(name, version, registry string) (*Ref, error) {
	if name == "" {
		return nil, errors.New(errors.ErrCodeMissingParameter, "parameter 'name' required")
	}
	if version == "" {
		return nil, errors.New(errors.ErrCodeMissingParameter, "parameter 'version' required")
	}
	if err := errors.ValidateNpmPackageName(name); err != nil {
		return nil, err
	}
	if err := errors.ValidateVersion(version); err != nil {
		return nil, err
	}
	reg, err := ParseRegistry(registry)
	if err != nil {
		return nil, err
	}
	return &Ref{Name: name, Version: version, Registry: reg}, nil
}

// ParseURL parses an identity URL of the form
// scheme://host[/path][;name=..;version=..;downloadfilename=..].
func ParseURL(raw string) (*Ref, error) {
	base, params, err := splitParams(raw)
	if err != nil {
		return nil, err
	}
	ref, err := New(params["name"], params["version"], base)
	if err != nil {
		return nil, errors.Annotate(err, "%s", raw)
	}
	if fn, ok := params["downloadfilename"]; ok {
		if err := errors.ValidateFilename(fn); err != nil {
			return nil, errors.Annotate(err, "%s", raw)
		}
		ref.DownloadFilename = fn
	}
	return ref, nil
}

// HasRegistry reports whether the identity URL names a registry host.
// Callers use it to decide whether a --registry flag is overridden.
func HasRegistry(raw string) bool {
	base, _, _ := strings.Cut(raw, ";")
	u, err := url.Parse(base)
	return err == nil && u.Host != ""
}

func splitParams(raw string) (string, map[string]string, error) {
	parts := strings.Split(raw, ";")
	params := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return "", nil, errors.New(errors.ErrCodeInvalidPackage, "malformed parameter %q in %s", p, raw)
		}
		params[k] = v
	}
	return parts[0], params, nil
}

// ParseRegistry parses a registry base URL and rewrites the npm and npms
// schemes to http and https.
func ParseRegistry(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeMissingParameter, err, "invalid registry %q", raw)
	}
	switch u.Scheme {
	case "npm":
		u.Scheme = "http"
	case "npms":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, errors.New(errors.ErrCodeMissingParameter, "unsupported registry scheme in %q", raw)
	}
	if u.Host == "" {
		return nil, errors.New(errors.ErrCodeMissingParameter, "registry host required in %q", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery, u.Fragment = "", ""
	return u, nil
}

// Basename returns the local filename for the downloaded tarball: the
// downloadfilename override, or <name>-<version>.tgz with a scoped
// @scope/name flattened to scope-name as `npm pack` does.
func (r *Ref) Basename() string {
	if r.DownloadFilename != "" {
		return r.DownloadFilename
	}
	name := r.Name
	if strings.HasPrefix(name, "@") {
		name = strings.ReplaceAll(name[1:], "/", "-")
	}
	return name + "-" + r.Version + ".tgz"
}

// IsLatest reports whether the version is the latest sentinel.
func (r *Ref) IsLatest() bool { return r.Version == Latest }

// MetadataURL returns the registry endpoint describing this version.
// Scoped names keep their @ but escape the slash as %2f.
func (r *Ref) MetadataURL() *url.URL {
	u := *r.Registry
	u.Path = r.Registry.Path + "/" + r.Name + "/" + r.Version
	u.RawPath = r.Registry.EscapedPath() + "/" +
		strings.ReplaceAll(url.PathEscape(r.Name), "%2F", "%2f") + "/" +
		url.PathEscape(r.Version)
	return &u
}

// String returns name@version.
func (r *Ref) String() string {
	return fmt.Sprintf("%s@%s", r.Name, r.Version)
}

// URL returns the identity URL of r using the registry's transport scheme
// mapped back to npm or npms.
func (r *Ref) URL() string {
	scheme := "npm"
	if r.Registry.Scheme == "https" {
		scheme = "npms"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s://%s%s;name=%s;version=%s", scheme, r.Registry.Host, r.Registry.Path, r.Name, r.Version)
	if r.DownloadFilename != "" {
		fmt.Fprintf(&b, ";downloadfilename=%s", r.DownloadFilename)
	}
	return b.String()
}
