package am

import (
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/emfacilities/emfac/errors"
)

// Location resolves a facility timezone. Empty input falls back to the
// host timezone, then UTC. Loose spellings such as "europe/madrid" are
// canonicalised.
func Location(tz string) (*time.Location, error) {
	if strings.TrimSpace(tz) == "" {
		detected, err := DetectLocalTimezone()
		if err != nil {
			return time.UTC, nil
		}
		tz = detected
	}
	if loc, err := time.LoadLocation(strings.TrimSpace(tz)); err == nil {
		return loc, nil
	}
	if loc, err := time.LoadLocation(sanitizeTimezone(tz)); err == nil {
		return loc, nil
	}
	return nil, errors.NewInvalidParameter("influx.tz", "unknown timezone %q", tz)
}

// DetectLocalTimezone attempts to determine the host operating system timezone.
func DetectLocalTimezone() (string, error) {
	if tz := os.Getenv("TZ"); tz != "" && isValidTimezone(tz) {
		return tz, nil
	}
	if name := time.Now().Location().String(); name != "" && name != "Local" && isValidTimezone(name) {
		return name, nil
	}
	if data, err := os.ReadFile("/etc/timezone"); err == nil {
		if tz := sanitizeTimezone(string(data)); isValidTimezone(tz) {
			return tz, nil
		}
	}
	if tz, err := readZoneinfoSymlink("/etc/localtime"); err == nil && tz != "" {
		return tz, nil
	}
	return "", errors.New("could not detect local timezone: tried TZ, time.Local, /etc/timezone, /etc/localtime")
}

func readZoneinfoSymlink(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	idx := strings.Index(resolved, "zoneinfo")
	if idx == -1 {
		return "", errors.New("zoneinfo segment not found")
	}
	candidate := strings.TrimPrefix(resolved[idx+len("zoneinfo"):], string(filepath.Separator))
	candidate = sanitizeTimezone(filepath.ToSlash(candidate))
	if isValidTimezone(candidate) {
		return candidate, nil
	}
	return "", errors.Newf("invalid timezone: %q (from %s)", candidate, path)
}

func sanitizeTimezone(tz string) string {
	trimmed := strings.Trim(strings.TrimSpace(tz), "\"'")
	trimmed = strings.ReplaceAll(trimmed, " ", "_")
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		parts[i] = title(part)
	}
	return strings.Join(parts, "/")
}

// title upper-cases the first letter of every "_" separated word.
func title(s string) string {
	words := strings.Split(strings.ToLower(s), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, "_")
}

func isValidTimezone(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}
