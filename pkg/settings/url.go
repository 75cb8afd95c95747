package settings

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// validateURL checks that raw parses, uses one of schemes and names a host.
// unix:// URLs carry a socket path instead of a host.
func validateURL(key string, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", key)
	}

	scheme := strings.ToLower(parsed.Scheme)
	ok := false
	for _, s := range schemes {
		if scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return errors.Errorf("%s: unsupported scheme %q, expected one of %s", key, parsed.Scheme, strings.Join(schemes, ", "))
	}

	if scheme == "unix" {
		if parsed.Path == "" {
			return errors.Errorf("%s: socket path is required", key)
		}
		return nil
	}
	if parsed.Hostname() == "" {
		return errors.Errorf("%s: host is required", key)
	}
	if (scheme == "http" || scheme == "https") && (parsed.RawQuery != "" || parsed.Fragment != "") {
		return errors.Errorf("%s: base URL must not have a query or fragment", key)
	}
	return nil
}
