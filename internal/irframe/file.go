package irframe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/drblury/ctfreader/internal/runtime/codec"
	"github.com/drblury/ctfreader/internal/timeframe"
)

var lineSeparators = strings.NewReplacer(",", " ", ";", " ", "\t", " ")

// ReadFile loads frames from path. Files ending in .json hold a JSON array of
// frames; anything else is read as text with one frame per line, either
// "minOrbit maxOrbit" or "minBC minOrbit maxBC maxOrbit". Lines starting with
// '#' and blank lines are ignored.
func ReadFile(path string) ([]IRFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame file: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var frames []IRFrame
		if err := codec.Decode(f, &frames); err != nil {
			return nil, fmt.Errorf("decode frame file %s: %w", path, err)
		}
		for i, fr := range frames {
			if !fr.Valid() {
				return nil, fmt.Errorf("frame file %s: frame %d %v has min > max", path, i, fr)
			}
		}
		return frames, nil
	}
	frames, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("frame file %s: %w", path, err)
	}
	return frames, nil
}

// Parse reads the text frame format from r.
func Parse(r io.Reader) ([]IRFrame, error) {
	var frames []IRFrame
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(lineSeparators.Replace(text))
		nums := make([]uint64, len(fields))
		for i, tok := range fields {
			v, err := strconv.ParseUint(tok, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value %q", line, tok)
			}
			nums[i] = v
		}

		var fr IRFrame
		switch len(nums) {
		case 2:
			fr = OrbitFrame(uint32(nums[0]), uint32(nums[1]))
		case 4:
			if nums[0] >= timeframe.LHCMaxBunches || nums[2] >= timeframe.LHCMaxBunches {
				return nil, fmt.Errorf("line %d: bunch crossing out of range", line)
			}
			fr = IRFrame{
				Min: InteractionRecord{BC: uint16(nums[0]), Orbit: uint32(nums[1])},
				Max: InteractionRecord{BC: uint16(nums[2]), Orbit: uint32(nums[3])},
			}
		default:
			return nil, fmt.Errorf("line %d: expected 2 or 4 values, got %d", line, len(nums))
		}
		if !fr.Valid() {
			return nil, fmt.Errorf("line %d: frame %v has min > max", line, fr)
		}
		frames = append(frames, fr)
	}
	return frames, sc.Err()
}
