package keypool

import (
	"fmt"
	"os"
	"strings"
)

// MaxNumberedKeys is how many <PREFIX>_N variables LoadEnv checks.
const MaxNumberedKeys = 5

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(string) (string, bool)

// LoadEnv collects credentials from the environment. A comma separated list
// in <PREFIX>S or <PREFIX> takes precedence; otherwise <PREFIX>_1 through
// <PREFIX>_5 are read. Blanks, placeholder markers and duplicates are
// dropped. A nil lookup uses os.LookupEnv.
func LoadEnv(prefix string, lookup LookupFunc) []string {
	if prefix == "" {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	for _, name := range []string{prefix + "S", prefix} {
		if v, ok := lookup(name); ok {
			if keys := clean(strings.Split(v, ",")); len(keys) > 0 {
				return keys
			}
		}
	}

	var raw []string
	for i := 1; i <= MaxNumberedKeys; i++ {
		if v, ok := lookup(fmt.Sprintf("%s_%d", prefix, i)); ok {
			raw = append(raw, v)
		}
	}
	return clean(raw)
}

func clean(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" || IsPlaceholder(v) {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

var placeholderMarkers = map[string]struct{}{
	"placeholder":       {},
	"changeme":          {},
	"change-me":         {},
	"todo":              {},
	"none":              {},
	"null":              {},
	"undefined":         {},
	"your-api-key":      {},
	"your_api_key":      {},
	"your-api-key-here": {},
	"your_api_key_here": {},
}

// IsPlaceholder reports whether v is a template value rather than a real
// credential: well-known markers, <angle-bracketed> text, runs of x, and
// values elided with a trailing "...".
func IsPlaceholder(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return false
	}
	if _, ok := placeholderMarkers[v]; ok {
		return true
	}
	switch {
	case strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">"):
		return true
	case strings.HasPrefix(v, "your-") || strings.HasPrefix(v, "your_"):
		return true
	case strings.HasSuffix(v, "..."):
		return true
	case strings.Trim(v, "x*-") == "":
		return true
	}
	return false
}

// IsBuildPhase reports whether the process runs as part of a build rather
// than serving traffic: CHATSHAPER_BUILD_PHASE is truthy, or a Next.js style
// NEXT_PHASE=phase-production-build is set by the surrounding toolchain.
func IsBuildPhase(lookup LookupFunc) bool {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("CHATSHAPER_BUILD_PHASE"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	v, _ := lookup("NEXT_PHASE")
	return v == "phase-production-build"
}
