package demux

// H.264 NAL unit types used for keyframe and caption detection.
const (
	nalTypeIDR = 5
	nalTypeSEI = 6
	nalTypeSPS = 7
)

// nalUnit is one Annex B NAL unit without its start code.
type nalUnit struct {
	Type byte
	Data []byte
}

// parseAnnexB splits an H.264 Annex B byte stream on 3- and 4-byte start
// codes.
func parseAnnexB(data []byte) []nalUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []nalUnit
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nal := data[pos.dataStart:end]
		units = append(units, nalUnit{Type: nal[0] & 0x1F, Data: nal})
	}
	return units
}

// isKeyframeAU reports whether an access unit starts a closed GOP.
func isKeyframeAU(units []nalUnit) bool {
	for _, u := range units {
		if u.Type == nalTypeIDR {
			return true
		}
	}
	return false
}
