package runinfo

import (
	"math"

	"github.com/drblury/ctfreader/internal/timeframe"
)

// RunStart anchors the first recorded orbit of a run to a wall-clock time.
type RunStart struct {
	Run          uint32
	FirstTFOrbit uint32
	StartMS      int64
}

// Patches backfills creation times of runs whose frames were recorded without
// one. Entries must be sorted by run.
type Patches []RunStart

// StartPatches covers the pilot beam runs of October 2021.
var StartPatches = Patches{
	{505207, 133875, 1635322620830},
	{505217, 14225007, 1635328375618},
	{505278, 1349340, 1635376882079},
	{505285, 1488862, 1635378517248},
	{505303, 2615411, 1635392586314},
	{505397, 5093945, 1635454778123},
	{505404, 19196217, 1635456032855},
	{505405, 28537913, 1635456862913},
	{505406, 41107641, 1635457980628},
	{505413, 452530, 1635460562613},
	{505440, 13320708, 1635472436927},
	{505443, 26546564, 1635473613239},
	{505446, 177711, 1635477270241},
	{505548, 88037114, 1635544414050},
	{505582, 295044346, 1635562822389},
	{505600, 417241082, 1635573688564},
	{505623, 10445984, 1635621310460},
	{505629, 126979, 1635623289756},
	{505637, 338969, 1635630909893},
	{505645, 188222, 1635634560881},
	{505658, 81044, 1635645404694},
	{505669, 328291, 1635657807147},
	{505673, 30988, 1635659148972},
	{505713, 620506, 1635725054798},
	{505720, 5359903, 1635730673978},
}

// Apply sets the creation time of h when its run is in the table and reports
// whether it did. Frames before the anchor orbit get the anchor time.
func (p Patches) Apply(h *timeframe.Header) bool {
	if len(p) == 0 || h.Run < p[0].Run || h.Run > p[len(p)-1].Run {
		return false
	}
	for _, rs := range p {
		if rs.Run != h.Run {
			continue
		}
		h.CreationTime = rs.StartMS
		if h.FirstTFOrbit > rs.FirstTFOrbit {
			delta := float64(h.FirstTFOrbit - rs.FirstTFOrbit)
			h.CreationTime += int64(math.Ceil(delta * timeframe.LHCOrbitMS))
		}
		return true
	}
	return false
}
