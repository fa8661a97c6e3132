package orkestra

import "fmt"

// BehaviorVersion pins the defaults a client starts from, so upgrading the
// module does not silently change runtime behavior.
type BehaviorVersion string

const (
	// BehaviorVersion20231109 has stalled-stream protection and request
	// compression off.
	BehaviorVersion20231109 BehaviorVersion = "2023-11-09"
	// BehaviorVersion20250117 turns on stalled-stream protection and
	// compression for operations that allow it.
	BehaviorVersion20250117 BehaviorVersion = "2025-01-17"
	// BehaviorVersionLatest is the newest behavior version.
	BehaviorVersionLatest = BehaviorVersion20250117
)

type behaviorDefaults struct {
	stalled     StalledStreamProtectionConfig
	compression RequestCompressionConfig
}

// ParseBehaviorVersion accepts a dated version or "latest".
func ParseBehaviorVersion(s string) (BehaviorVersion, error) {
	switch BehaviorVersion(s) {
	case "", "latest":
		return BehaviorVersionLatest, nil
	case BehaviorVersion20231109, BehaviorVersion20250117:
		return BehaviorVersion(s), nil
	}
	return "", fmt.Errorf("unknown behavior version %q", s)
}

func (v BehaviorVersion) defaults() behaviorDefaults {
	if v == BehaviorVersion20231109 {
		return behaviorDefaults{
			compression: RequestCompressionConfig{Disabled: true, MinSize: DefaultMinCompressionSize},
		}
	}
	return behaviorDefaults{
		stalled:     StalledStreamProtectionConfig{Enabled: true},
		compression: RequestCompressionConfig{MinSize: DefaultMinCompressionSize},
	}
}
