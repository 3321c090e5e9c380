package supervisor

import (
	"fmt"
	"net/url"

	"github.com/harlowdev/questkeeper/internal/domain"
)

// serverKeyFromURL extracts the normalized ServerKey (hostname) from a
// page URL, used to resolve a bare tab claim with no prior binding.
func serverKeyFromURL(pageURL string) (domain.ServerKey, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("supervisor: parse page url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("supervisor: page url %q has no host", pageURL)
	}
	return domain.NormalizeServerKey(u.Hostname()), nil
}
