package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// instanceNameHashLength is how many hex characters of the device-id digest
// end up in the Instance name. Long enough to make collisions between device
// ids of the same Configuration implausible, short enough to stay well under
// the 63-character DNS label limit with room for the configuration name.
const instanceNameHashLength = 10

// InstanceName derives the name of the Instance CR for a device discovered
// under a Configuration. The derivation is pure: the same
// (configurationName, deviceID) pair always yields the same name, and the
// configuration name is part of the result so the same device id under two
// Configurations produces two independent Instances.
func InstanceName(configurationName, deviceID string) string {
	digest := sha256.Sum256([]byte(deviceID))
	return sanitizeName(configurationName + "-" + hex.EncodeToString(digest[:])[:instanceNameHashLength])
}

// sanitizeName folds a candidate object name into a DNS-1123 label: lowercase
// alphanumerics and dashes, starting and ending alphanumeric, at most 63
// characters.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	out = strings.Trim(out, "-")
	if len(out) > 63 {
		out = strings.Trim(out[:63], "-")
	}
	return out
}
