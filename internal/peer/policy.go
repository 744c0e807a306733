package peer

import (
	"strings"

	"github.com/pion/sdp/v3"
)

var mediaMarkers = []string{"a=audio", "a=video"}

// IncludesMedia reports whether a remote offer tries to carry audio or
// video. The primary connection only ever carries the data channel; media
// goes out on secondary connections, so such offers are refused.
func IncludesMedia(offer string) bool {
	for _, marker := range mediaMarkers {
		if strings.Contains(offer, marker) {
			return true
		}
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(offer)); err != nil {
		return false
	}
	for _, m := range parsed.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio", "video":
			return true
		}
	}
	return false
}
