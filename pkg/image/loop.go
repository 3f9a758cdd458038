package image

// Loop is a cursor over the Cartesian product of axis ranges, visiting
// positions in canonical order (axis 0 fastest). It co-iterates aligned
// images: the linear Index matches the data layout of any image with
// the same dimensions.
//
//	loop := image.NewLoop(dims...)
//	for loop.Next() {
//		i := loop.Index()
//		...
//	}
type Loop struct {
	dims    []int
	pos     []int
	index   int
	total   int
	started bool
}

// NewLoop creates a cursor over the given axis sizes.
func NewLoop(dims ...int) *Loop {
	total := 1
	for _, d := range dims {
		total *= d
		if d <= 0 {
			total = 0
			break
		}
	}
	return &Loop{
		dims:  append([]int(nil), dims...),
		pos:   make([]int, len(dims)),
		total: total,
	}
}

// SpatialLoop creates a cursor over the three spatial axes of a header.
func SpatialLoop(hdr *Header) *Loop {
	return NewLoop(hdr.Dims[0], hdr.Dims[1], hdr.Dims[2])
}

// Next advances the cursor. The first call positions it at the origin.
// It returns false once all positions have been visited.
func (l *Loop) Next() bool {
	if !l.started {
		l.started = true
		return l.total > 0
	}
	l.index++
	for i := range l.dims {
		l.pos[i]++
		if l.pos[i] < l.dims[i] {
			return true
		}
		l.pos[i] = 0
	}
	return false
}

// Pos returns the current position. The slice is reused between
// iterations; callers must copy it to retain it.
func (l *Loop) Pos() []int { return l.pos }

// Index returns the linear index of the current position in canonical
// layout.
func (l *Loop) Index() int { return l.index }

// Total returns the number of positions the cursor will visit.
func (l *Loop) Total() int { return l.total }
