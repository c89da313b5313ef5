package config

import (
	"net/url"
	"path"
	"strings"

	"github.com/matzehuels/pkgstage/pkg/errors"
)

// NetworkPolicy decides whether a URL may be contacted.
//
// Offline denies everything. Otherwise, when AllowedHosts is non-empty the
// URL host must match one of its entries; entries may use shell-style globs
// such as "*.npmjs.org".
type NetworkPolicy struct {
	Offline      bool
	AllowedHosts []string
}

// Check returns an ErrCodeNetworkAccessDenied error when u must not be
// contacted.
func (p NetworkPolicy) Check(u *url.URL) error {
	if u == nil {
		return errors.New(errors.ErrCodeNetworkAccessDenied, "no URL")
	}
	if p.Offline {
		return errors.New(errors.ErrCodeNetworkAccessDenied, "network access disabled: %s", u.Redacted())
	}
	if len(p.AllowedHosts) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, pattern := range p.AllowedHosts {
		if ok, _ := path.Match(strings.ToLower(pattern), host); ok {
			return nil
		}
	}
	return errors.New(errors.ErrCodeNetworkAccessDenied, "host %s is not in the allowed hosts", host)
}
