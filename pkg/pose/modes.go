package pose

// PerfMode selects a capture/processing trade-off bundle.
type PerfMode string

const (
	// ModeLightweight is the default: moderate resolution and rate
	// with the governor and frame skip active.
	ModeLightweight PerfMode = "lightweight"

	// ModeQuality favors detection fidelity: higher resolution and
	// rate, no frame skip, no governor downshifts.
	ModeQuality PerfMode = "quality"

	// ModePerformance minimizes CPU: lowest resolution and rate.
	ModePerformance PerfMode = "performance"
)

// ModeSettings are the concrete parameters behind a PerfMode.
type ModeSettings struct {
	FPS             int
	Width           int
	Height          int
	SkipEnabled     bool
	GovernorEnabled bool
}

// SettingsFor maps a mode to its parameters. Unknown modes get the
// lightweight bundle.
func SettingsFor(mode PerfMode) ModeSettings {
	switch mode {
	case ModeQuality:
		return ModeSettings{FPS: 8, Width: 640, Height: 480, SkipEnabled: false, GovernorEnabled: false}
	case ModePerformance:
		return ModeSettings{FPS: 4, Width: 320, Height: 240, SkipEnabled: true, GovernorEnabled: true}
	default:
		return ModeSettings{FPS: 6, Width: 424, Height: 240, SkipEnabled: true, GovernorEnabled: true}
	}
}
