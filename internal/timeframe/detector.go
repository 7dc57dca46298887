package timeframe

import (
	"fmt"
	"math/bits"
	"strings"
)

// DetID identifies a detector source inside a time frame.
type DetID uint8

const (
	ITS DetID = iota
	TPC
	TRD
	TOF
	PHS
	CPV
	EMC
	HMP
	MFT
	MCH
	MID
	ZDC
	FT0
	FV0
	FDD
	TST
	CTP
	FOC

	NDetectors = int(FOC) + 1
)

var detNames = [NDetectors]string{
	"ITS", "TPC", "TRD", "TOF", "PHS", "CPV", "EMC", "HMP", "MFT",
	"MCH", "MID", "ZDC", "FT0", "FV0", "FDD", "TST", "CTP", "FOC",
}

// ReadOrder is the order in which detector payloads of an accepted time frame
// are read and emitted. TST and FOC carry no compressed payloads.
var ReadOrder = []DetID{ITS, MFT, EMC, HMP, PHS, TPC, TRD, FT0, FV0, FDD, TOF, MID, MCH, CPV, ZDC, CTP}

func (d DetID) String() string {
	if int(d) >= NDetectors {
		return fmt.Sprintf("DET%d", uint8(d))
	}
	return detNames[d]
}

// Valid reports whether d is a known detector.
func (d DetID) Valid() bool { return int(d) < NDetectors }

// ParseDetID resolves a case-insensitive detector name.
func ParseDetID(name string) (DetID, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range detNames {
		if n == name {
			return DetID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown detector %q", name)
}

// Mask is a detector bitset, bit i set when DetID(i) is present or enabled.
type Mask uint32

// MaskAll has every known detector set.
const MaskAll = Mask(1<<NDetectors - 1)

// MaskOf builds a mask from detector ids.
func MaskOf(dets ...DetID) Mask {
	var m Mask
	for _, d := range dets {
		m = m.Set(d)
	}
	return m
}

func (m Mask) Has(d DetID) bool   { return d.Valid() && m&(1<<d) != 0 }
func (m Mask) Set(d DetID) Mask   { return m | 1<<d }
func (m Mask) Unset(d DetID) Mask { return m &^ (1 << d) }
func (m Mask) Count() int         { return bits.OnesCount32(uint32(m & MaskAll)) }

// Detectors lists the detectors of the mask in DetID order.
func (m Mask) Detectors() []DetID {
	out := make([]DetID, 0, m.Count())
	for i := 0; i < NDetectors; i++ {
		if m.Has(DetID(i)) {
			out = append(out, DetID(i))
		}
	}
	return out
}

func (m Mask) String() string {
	if m&MaskAll == 0 {
		return "none"
	}
	names := make([]string, 0, m.Count())
	for _, d := range m.Detectors() {
		names = append(names, d.String())
	}
	return strings.Join(names, ",")
}

// ParseMask accepts "all", "none", or a comma-separated list of detector names.
// A name prefixed with "-" removes that detector, so "all,-TPC" is everything
// but TPC.
func ParseMask(s string) (Mask, error) {
	var m Mask
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		switch strings.ToLower(tok) {
		case "":
			continue
		case "all":
			m = MaskAll
			continue
		case "none":
			m = 0
			continue
		}
		remove := strings.HasPrefix(tok, "-")
		d, err := ParseDetID(strings.TrimPrefix(tok, "-"))
		if err != nil {
			return 0, err
		}
		if remove {
			m = m.Unset(d)
		} else {
			m = m.Set(d)
		}
	}
	return m, nil
}
