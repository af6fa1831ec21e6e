package tape

// RecentWindow is the number of volume points a player sees at once.
const RecentWindow = 8

// ReferencePayload flattens every point of every reference series.
func ReferencePayload(stocks []AdvStock) ([]Point, error) {
	if len(stocks) == 0 {
		return nil, ErrDataNotFound
	}
	var out []Point
	for _, s := range stocks {
		for i := 0; i < s.Len(); i++ {
			p, err := s.Point(i)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// LivePayload picks point phase of every live series.
func LivePayload(stocks []AdvStock, phase int) ([]Point, error) {
	if len(stocks) == 0 {
		return nil, ErrDataNotFound
	}
	out := make([]Point, 0, len(stocks))
	for _, s := range stocks {
		p, err := s.Point(phase)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// RecentVolumes returns the RecentWindow-point volume window after liveSent
// live phases: the newest reference volumes followed by the oldest live ones.
func RecentVolumes(reference, live AdvStock, liveSent int) []int64 {
	if liveSent < 0 {
		liveSent = 0
	}
	refCount := RecentWindow - liveSent
	if refCount < 0 {
		refCount = 0
	}
	liveCount := liveSent
	if liveCount > RecentWindow {
		liveCount = RecentWindow
	}

	out := make([]int64, 0, RecentWindow)
	if refCount > 0 {
		from := len(reference.Volumes) - refCount
		if from < 0 {
			from = 0
		}
		out = append(out, reference.Volumes[from:]...)
	}
	if liveCount > 0 {
		to := liveCount
		if to > len(live.Volumes) {
			to = len(live.Volumes)
		}
		out = append(out, live.Volumes[:to]...)
	}
	return out
}
