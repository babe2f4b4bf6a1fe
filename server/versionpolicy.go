package server

import (
	"fmt"
	"strings"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/config"
)

// VersionPolicy judges whether a client's protocol version is acceptable.
// The policy is evaluated in exactly one place, the dispatcher's read path,
// so the compatibility rule cannot drift between handlers.
type VersionPolicy interface {
	Accepts(version uint8) bool
	String() string
}

// ExactVersion accepts a single protocol version.
type ExactVersion uint8

// Accepts implements VersionPolicy.
func (v ExactVersion) Accepts(version uint8) bool {
	return version == uint8(v)
}

func (v ExactVersion) String() string {
	return fmt.Sprintf("exact(%d)", uint8(v))
}

// VersionRange accepts any version in the inclusive range [Min, Max].
type VersionRange struct {
	Min uint8
	Max uint8
}

// Accepts implements VersionPolicy.
func (v VersionRange) Accepts(version uint8) bool {
	return version >= v.Min && version <= v.Max
}

func (v VersionRange) String() string {
	return fmt.Sprintf("range(%d-%d)", v.Min, v.Max)
}

// VersionAllowList accepts an explicit set of versions.
type VersionAllowList []uint8

// Accepts implements VersionPolicy.
func (v VersionAllowList) Accepts(version uint8) bool {
	for _, allowed := range v {
		if version == allowed {
			return true
		}
	}
	return false
}

func (v VersionAllowList) String() string {
	parts := make([]string, len(v))
	for i, allowed := range v {
		parts[i] = fmt.Sprintf("%d", allowed)
	}
	return "allowlist(" + strings.Join(parts, ",") + ")"
}

// PolicyFromConfig builds the runtime policy from its configuration form.
func PolicyFromConfig(cfg config.VersionPolicyConfig) (VersionPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case config.PolicyModeExact:
		return ExactVersion(cfg.Exact), nil
	case config.PolicyModeRange:
		return VersionRange{Min: cfg.Min, Max: cfg.Max}, nil
	case config.PolicyModeAllowList:
		return VersionAllowList(append([]uint8(nil), cfg.Allowed...)), nil
	default:
		return nil, fmt.Errorf("unknown version policy mode %q", cfg.Mode)
	}
}
