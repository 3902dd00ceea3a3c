package models

// SourceYouTube is the from-format tag for remote-media jobs.
const SourceYouTube = "youtube"

// conversionMap declares which target formats a given source format may be
// converted into. It is consulted before any resource is allocated; a pair
// absent from it is rejected at submission and never reaches a backend.
var conversionMap = map[string][]string{
	SourceYouTube: {"wav", "mp3", "aiff", "mp4", "flac"},
	"mp3":         {"flac", "wav"},
	"wav":         {"mp3", "flac", "ogg", "aiff"},
	"flac":        {"mp3", "wav", "ogg", "aiff"},
	"rar":         {"zip"},
	"zip":         {"rar"},
	"iso":         {"rar", "zip"},
	"png":         {"jpg"},
	"jpg":         {"png"},
	"mp4":         {"mov"},
	"mov":         {"mp4"},
}

// SupportedConversion reports whether the (from, to) pair is declared in the
// capability table.
func SupportedConversion(from, to string) bool {
	for _, t := range conversionMap[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Conversions returns a copy of the capability table for API discovery.
func Conversions() map[string][]string {
	out := make(map[string][]string, len(conversionMap))
	for from, targets := range conversionMap {
		out[from] = append([]string(nil), targets...)
	}
	return out
}
