package config

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "***"

// dsnPassword matches the password of a key=value connection string.
var dsnPassword = regexp.MustCompile(`(^|\s)password\s*=\s*('(?:[^'\\]|\\.)*'|\S*)`) //nolint:gochecknoglobals // compiled once

// RedactURL hides the password of a PostgreSQL connection string so the
// target can be printed. Both URL form and key=value form are handled;
// anything else is returned unchanged.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}

	if !strings.Contains(raw, "://") {
		return dsnPassword.ReplaceAllString(raw, "${1}password="+redacted)
	}

	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}

	if _, hasPassword := u.User.Password(); !hasPassword {
		return raw
	}

	// Splice the raw string so the rest of the URL keeps its original encoding.
	afterScheme := strings.Index(raw, "://") + len("://")

	at := strings.LastIndex(raw[afterScheme:], "@")
	if at < 0 {
		return raw
	}

	userinfo := raw[afterScheme : afterScheme+at]

	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return raw
	}

	return raw[:afterScheme] + userinfo[:colon+1] + redacted + raw[afterScheme+at:]
}
