package timeframe

import "fmt"

// Record names inside a container entry. Detector payloads are stored under
// the detector name.
const HeaderRecord = "CTFHeader"

// Header describes one stored time frame.
type Header struct {
	Run          uint32 `json:"run"`
	FirstTFOrbit uint32 `json:"first_tf_orbit"`
	// CreationTime is the frame creation wall-clock time in ms since epoch.
	CreationTime int64  `json:"creation_time"`
	TFCounter    uint32 `json:"tf_counter"`
	Detectors    Mask   `json:"detectors"`
}

func (h Header) String() string {
	return fmt.Sprintf("Run:%d FirstTForbit:%d CreationTime:%d TFCounter:%d Detectors:%s",
		h.Run, h.FirstTFOrbit, h.CreationTime, h.TFCounter, h.Detectors)
}

// LastOrbit is the last orbit covered by a frame of tfLength orbits,
// saturating at the orbit counter limit.
func (h Header) LastOrbit(tfLength int) uint32 {
	if tfLength < 1 {
		tfLength = 1
	}
	span := uint32(tfLength - 1)
	if h.FirstTFOrbit > ^uint32(0)-span {
		return ^uint32(0)
	}
	return h.FirstTFOrbit + span
}

// CreationFromRunStart derives the creation time of the frame from an
// imposed run start time in ms.
func (h Header) CreationFromRunStart(runStartMS int64) int64 {
	return runStartMS + int64(float64(h.FirstTFOrbit)*LHCOrbitMS)
}

// Ack is the sideband acknowledgement sent per emitted frame.
type Ack struct {
	ID         uint64 `json:"id"`
	FirstOrbit uint32 `json:"first_orbit"`
	RunNumber  uint32 `json:"run_number"`
}
