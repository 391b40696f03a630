package steps

// StepMap records how one step moved positions: the range
// [Start, Start+OldLen) was replaced by NewLen units of content.
type StepMap struct {
	Start  int
	OldLen int
	NewLen int
}

// MapResult maps pos across the replacement. assoc picks the side a position
// sticks to when content is inserted exactly at it: assoc > 0 lands after the
// insertion, assoc <= 0 before it. deleted reports that pos sat strictly
// inside the replaced range.
func (m *StepMap) MapResult(pos, assoc int) (newPos int, deleted bool) {
	end := m.Start + m.OldLen
	switch {
	case pos < m.Start:
		return pos, false
	case pos > end:
		return pos + m.NewLen - m.OldLen, false
	case pos == m.Start && (assoc <= 0 || m.OldLen > 0):
		return pos, false
	case pos == end:
		if assoc > 0 {
			return m.Start + m.NewLen, false
		}
		return m.Start, false
	default:
		// Strictly inside the replaced range.
		if assoc > 0 {
			return m.Start + m.NewLen, true
		}
		return m.Start, true
	}
}

// Mapping composes the position maps of a sequence of steps, in application
// order. Rebasing maps a step's positions through the whole composition.
type Mapping struct {
	maps []*StepMap
}

func NewMapping() *Mapping {
	return &Mapping{}
}

func (m *Mapping) AppendMap(sm *StepMap) {
	m.maps = append(m.maps, sm)
}

func (m *Mapping) Len() int {
	return len(m.maps)
}

// MapResult maps pos through every step map in order. deleted is true if any
// intervening step deleted the position.
func (m *Mapping) MapResult(pos, assoc int) (newPos int, deleted bool) {
	for _, sm := range m.maps {
		var del bool
		pos, del = sm.MapResult(pos, assoc)
		deleted = deleted || del
	}
	return pos, deleted
}

func (m *Mapping) MapPos(pos, assoc int) int {
	newPos, _ := m.MapResult(pos, assoc)
	return newPos
}
