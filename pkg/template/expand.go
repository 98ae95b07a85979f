// Package template expands {placeholder}s in snapshot names, mountpoints
// and hook commands.
package template

import (
	"os"
	"os/user"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

var placeholderRegex = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

// Expand expands template placeholders in the input string using the
// current time.
//
// Supported placeholders:
//
//	{date}      - date as YYYY-MM-DD
//	{time}      - time as HHMMSS
//	{datetime}  - YYYYMMDDTHHMMSS, valid inside LVM volume names
//	{iso8601}   - RFC 3339 timestamp
//	{unix}      - Unix timestamp
//	{user}      - current username
//	{hostname}  - short hostname
//	{arch}      - architecture (e.g., amd64, arm64)
//
// Values in vars override the built-in placeholders. Unknown placeholders
// are left as they are.
func Expand(text string, vars map[string]string) string {
	return ExpandAt(text, time.Now(), vars)
}

// ExpandAt is Expand with an explicit time.
func ExpandAt(text string, now time.Time, vars map[string]string) string {
	if !strings.Contains(text, "{") {
		return text
	}

	placeholders := map[string]string{
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("150405"),
		"datetime": now.Format("20060102T150405"),
		"iso8601":  now.Format(time.RFC3339),
		"unix":     strconv.FormatInt(now.Unix(), 10),
		"arch":     runtime.GOARCH,
	}

	if u, err := user.Current(); err == nil {
		placeholders["user"] = u.Username
	} else {
		placeholders["user"] = "unknown"
	}

	if h, err := os.Hostname(); err == nil {
		// Remove domain part if present
		placeholders["hostname"] = strings.Split(h, ".")[0]
	} else {
		placeholders["hostname"] = "unknown"
	}

	for k, v := range vars {
		placeholders[k] = v
	}

	// One pass, so values are never expanded again.
	keys := make([]string, 0, len(placeholders))
	for k := range placeholders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", placeholders[k])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Placeholders returns the distinct placeholder names used in text, in
// order of first appearance.
func Placeholders(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholderRegex.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// VolumeVars returns the placeholders describing an origin volume.
func VolumeVars(vg, lv string) map[string]string {
	return map[string]string{"vg": vg, "lv": lv}
}
