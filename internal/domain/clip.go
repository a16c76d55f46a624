package domain

import "time"

type ClipID string

// ClipInfo describes the decode geometry of one media clip in the
// composition. GOPLength is the number of frames between random-access
// points; decode is cheap within a group and expensive to restart mid-group.
type ClipInfo struct {
	ID        ClipID        `json:"id"`
	FrameRate float64       `json:"frameRate"`
	GOPLength int           `json:"gopLength"`
	Duration  time.Duration `json:"duration"`
}

// FrameStep returns the presentation-time distance between two frames.
func (c ClipInfo) FrameStep() time.Duration {
	if c.FrameRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.FrameRate)
}

// FrameIndex returns the frame number containing presentation time t.
func (c ClipInfo) FrameIndex(t time.Duration) int64 {
	step := c.FrameStep()
	if step <= 0 {
		return 0
	}
	if t < 0 {
		return 0
	}
	return int64(t / step)
}

// GOPIndex returns the decode-dependency group containing t, i.e. the index
// of the nearest preceding random-access point.
func (c ClipInfo) GOPIndex(t time.Duration) int64 {
	if c.GOPLength <= 0 {
		return 0
	}
	return c.FrameIndex(t) / int64(c.GOPLength)
}

// GOPKeyFor returns the coalescing key for a target time on this clip.
func (c ClipInfo) GOPKeyFor(t time.Duration) GOPKey {
	return GOPKey{Clip: c.ID, Group: c.GOPIndex(t)}
}

// GOPKey identifies one decode-dependency group: at most one decode job may
// be in flight per key at any time.
type GOPKey struct {
	Clip  ClipID
	Group int64
}
