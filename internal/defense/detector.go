package defense

import "strings"

// suspiciousPaths are prefixes probed by vulnerability scanners. None of them
// is served by relay.
var suspiciousPaths = []string{
	"/.env",
	"/.git",
	"/.aws",
	"/.ssh",
	"/.htpasswd",
	"/.htaccess",
	"/.ds_store",
	"/wp-admin",
	"/wp-login",
	"/wp-content",
	"/phpmyadmin",
	"/phpinfo",
	"/cgi-bin/",
	"/server-status",
	"/actuator",
	"/config.json",
	"/secrets",
	"/backup",
	"/api/.env",
	"/api/.git",
}

// IsSuspiciousPath reports whether path starts with a known scanner probe.
func IsSuspiciousPath(path string) bool {
	lower := strings.ToLower(path)
	for _, p := range suspiciousPaths {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
