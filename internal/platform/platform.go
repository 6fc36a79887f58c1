// Package platform knows how to turn (platform, native meeting id) tuples
// into joinable meeting URLs and back. The round-trip property matters: the
// collector's authorization endpoint and the controller's launch validation
// both rely on a native id being reconstructible from its URL.
package platform

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Platform tags accepted on the wire.
const (
	GoogleMeet = "google_meet"
	Teams      = "teams"
	Zoom       = "zoom"
)

var (
	// meet codes look like "abc-defg-hij"
	meetCodeRe = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)
	// zoom meeting ids are 9 to 11 digits
	zoomIDRe = regexp.MustCompile(`^[0-9]{9,11}$`)
	// teams ids are an opaque URL-safe segment (thread id)
	teamsIDRe = regexp.MustCompile(`^[A-Za-z0-9_%:@.\-]+$`)
)

// Supported reports whether the platform tag is one we can build URLs for.
func Supported(platform string) bool {
	switch platform {
	case GoogleMeet, Teams, Zoom:
		return true
	}
	return false
}

// ValidateNativeID checks that the native meeting id is well formed for the
// platform.
func ValidateNativeID(platform, nativeID string) error {
	switch platform {
	case GoogleMeet:
		if !meetCodeRe.MatchString(nativeID) {
			return fmt.Errorf("invalid google_meet code %q (want xxx-xxxx-xxx)", nativeID)
		}
	case Zoom:
		if !zoomIDRe.MatchString(nativeID) {
			return fmt.Errorf("invalid zoom meeting id %q (want 9-11 digits)", nativeID)
		}
	case Teams:
		if nativeID == "" || !teamsIDRe.MatchString(nativeID) {
			return fmt.Errorf("invalid teams meeting id %q", nativeID)
		}
	default:
		return fmt.Errorf("unsupported platform %q", platform)
	}
	return nil
}

// MeetingURL constructs a joinable URL for the meeting. The passcode is only
// meaningful for zoom and is attached as the pwd query parameter.
func MeetingURL(platform, nativeID, passcode string) (string, error) {
	if err := ValidateNativeID(platform, nativeID); err != nil {
		return "", err
	}
	switch platform {
	case GoogleMeet:
		return "https://meet.google.com/" + nativeID, nil
	case Zoom:
		u := "https://zoom.us/j/" + nativeID
		if passcode != "" {
			u += "?pwd=" + url.QueryEscape(passcode)
		}
		return u, nil
	case Teams:
		return "https://teams.microsoft.com/l/meetup-join/" + nativeID, nil
	}
	return "", fmt.Errorf("unsupported platform %q", platform)
}

// ParseMeetingURL recovers the (platform, native id) tuple from a meeting URL
// produced by MeetingURL. Unrecognized hosts return an error.
func ParseMeetingURL(raw string) (platform, nativeID string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse meeting url: %w", err)
	}

	path := strings.Trim(u.Path, "/")
	switch u.Host {
	case "meet.google.com":
		if !meetCodeRe.MatchString(path) {
			return "", "", fmt.Errorf("unrecognized google meet path %q", u.Path)
		}
		return GoogleMeet, path, nil
	case "zoom.us", "www.zoom.us":
		id := strings.TrimPrefix(path, "j/")
		if !zoomIDRe.MatchString(id) {
			return "", "", fmt.Errorf("unrecognized zoom path %q", u.Path)
		}
		return Zoom, id, nil
	case "teams.microsoft.com":
		id := strings.TrimPrefix(path, "l/meetup-join/")
		if id == "" || !teamsIDRe.MatchString(id) {
			return "", "", fmt.Errorf("unrecognized teams path %q", u.Path)
		}
		return Teams, id, nil
	}
	return "", "", fmt.Errorf("unrecognized meeting host %q", u.Host)
}
