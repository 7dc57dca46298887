package irframe

import (
	"slices"
	"sort"
)

// Selector keeps a sorted list of IR frames and reports the ones overlapping
// a query window. It never applies accept/reject inversion itself.
type Selector struct {
	frames []IRFrame
	// reach[i] is the largest Max among frames[0..i]; it lets the lookup skip
	// the prefix that ends before the query even when frames overlap.
	reach []InteractionRecord
	set   bool
}

// SetOwnList installs frames, replacing the current set. Frames are sorted when
// toBeSorted is true or when the supplied order turns out not to be sorted.
func (s *Selector) SetOwnList(frames []IRFrame, toBeSorted bool) {
	list := slices.Clone(frames)
	if toBeSorted || !slices.IsSortedFunc(list, compareFrames) {
		slices.SortStableFunc(list, compareFrames)
	}
	s.frames = list
	s.reach = make([]InteractionRecord, len(list))
	for i, f := range list {
		s.reach[i] = f.Max
		if i > 0 && s.reach[i-1].Compare(f.Max) > 0 {
			s.reach[i] = s.reach[i-1]
		}
	}
	s.set = true
}

// IsSet reports whether a frame list was installed, even an empty one.
func (s *Selector) IsSet() bool { return s.set }

// Clear resets the selector to the unset state.
func (s *Selector) Clear() {
	s.frames = nil
	s.reach = nil
	s.set = false
}

// Frames returns a copy of the installed frames in sorted order.
func (s *Selector) Frames() []IRFrame { return slices.Clone(s.frames) }

// Len is the number of installed frames.
func (s *Selector) Len() int { return len(s.frames) }

// MatchingFrames returns, in ascending order, every installed frame whose
// closed interval intersects q. The result is empty, not nil, when nothing
// overlaps.
func (s *Selector) MatchingFrames(q IRFrame) []IRFrame {
	out := []IRFrame{}
	if len(s.frames) == 0 || !q.Valid() {
		return out
	}
	lo := sort.Search(len(s.reach), func(i int) bool { return s.reach[i].Compare(q.Min) >= 0 })
	hi := sort.Search(len(s.frames), func(i int) bool { return s.frames[i].Min.Compare(q.Max) > 0 })
	for i := lo; i < hi; i++ {
		if s.frames[i].Overlaps(q) {
			out = append(out, s.frames[i])
		}
	}
	return out
}

// Load replaces the frames with the content of a frame file, see ReadFile.
func (s *Selector) Load(path string) error {
	frames, err := ReadFile(path)
	if err != nil {
		return err
	}
	s.SetOwnList(frames, true)
	return nil
}

func compareFrames(a, b IRFrame) int {
	if c := a.Min.Compare(b.Min); c != 0 {
		return c
	}
	return a.Max.Compare(b.Max)
}
