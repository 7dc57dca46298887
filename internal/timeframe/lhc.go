package timeframe

// LHC timing constants used to move between orbits and wall-clock time.
const (
	LHCMaxBunches = 3564
	LHCRFFreq     = 400.789e6 // Hz

	LHCBunchSpacingNS = 10 * 1e9 / LHCRFFreq
	LHCOrbitNS        = LHCMaxBunches * LHCBunchSpacingNS
	LHCOrbitMUS       = LHCOrbitNS * 1e-3
	// LHCOrbitMS is the orbit duration in milliseconds.
	LHCOrbitMS = LHCOrbitMUS * 1e-3
)
