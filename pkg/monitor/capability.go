package monitor

import (
	"strings"
)

// experimentalPrefix marks a capability or command that the hypervisor ships
// as experimental. Features often appear first with the prefix and keep their
// name once stabilized, so callers should not have to track the transition.
const experimentalPrefix = "x-"

// ToggleExperimental returns the "other" spelling of name: prefixed if it was
// plain, plain if it was prefixed.
func ToggleExperimental(name string) string {
	if strings.HasPrefix(name, experimentalPrefix) {
		return strings.TrimPrefix(name, experimentalPrefix)
	}
	return experimentalPrefix + name
}

// ResolveCapability maps an abstract capability name onto the spelling the
// hypervisor actually supports.
//
// If allowFallback is false, or name is already in supported, name is
// returned unchanged. Otherwise the experimental-prefix toggle is tried. If
// neither spelling is supported: strict mode fails with
// *CapabilityUnsupported, permissive mode returns name unchanged (used for
// intentionally-negative paths, where the caller wants the hypervisor's own
// rejection).
func ResolveCapability(name string, supported map[string]struct{}, allowFallback, strict bool) (string, error) {
	if !allowFallback {
		return name, nil
	}
	if _, ok := supported[name]; ok {
		return name, nil
	}
	other := ToggleExperimental(name)
	if _, ok := supported[other]; ok {
		return other, nil
	}
	if strict {
		return "", &CapabilityUnsupported{Name: name}
	}
	return name, nil
}
