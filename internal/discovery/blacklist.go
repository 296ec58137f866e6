package discovery

import (
	"os"
	"strings"
)

// Domains that must never be treated as webmention destinations: the big
// silos themselves, link shorteners, and our own hosts.
var defaultBlacklist = []string{
	"facebook.com",
	"twitter.com",
	"t.co",
	"instagr.am",
	"instagram.com",
	"youtu.be",
	"mentionbridge.io",
}

type Blacklist []string

func NewBlacklist(domains ...string) Blacklist {
	return Blacklist(domains)
}

func DefaultBlacklist() Blacklist {
	return NewBlacklist(defaultBlacklist...)
}

// BlacklistFromEnv returns the default blacklist extended with the
// comma-separated domains in TARGET_URL_BLACKLIST.
func BlacklistFromEnv() Blacklist {
	bl := DefaultBlacklist()

	for _, domain := range strings.Split(os.Getenv("TARGET_URL_BLACKLIST"), ",") {
		domain = strings.TrimSpace(domain)
		if domain != "" {
			bl = append(bl, domain)
		}
	}

	return bl
}

func (bl Blacklist) Contains(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")

	for _, domain := range bl {
		if host == domain {
			return true
		}
	}

	return false
}
