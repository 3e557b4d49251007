package version

// Version is the current DeskCoach release.
const Version = "0.3.1"

// UserAgent returns the identifier used in diagnostic responses.
func UserAgent() string {
	return "deskcoach/" + Version
}
