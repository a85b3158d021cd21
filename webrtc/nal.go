package webrtc

const (
	nalIDR = 5
	nalSPS = 7
)

// isKeyframe reports whether an Annex B access unit carries an SPS or an
// IDR slice, after which a fresh decoder can start.
func isKeyframe(au []byte) bool {
	for i := 0; i+3 < len(au); i++ {
		if au[i] != 0 || au[i+1] != 0 {
			continue
		}
		var hdr int
		switch {
		case au[i+2] == 1:
			hdr = i + 3
		case au[i+2] == 0 && au[i+3] == 1 && i+4 < len(au):
			hdr = i + 4
		default:
			continue
		}
		if t := au[hdr] & 0x1F; t == nalIDR || t == nalSPS {
			return true
		}
		i = hdr
	}
	return false
}
