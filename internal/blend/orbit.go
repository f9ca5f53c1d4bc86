package blend

// DefaultFOV is the vertical field of view of the panorama camera, in
// degrees.
const DefaultFOV = 75.0

// maxPitch keeps the camera off the poles so the view never flips.
const maxPitch = 89.0

// Orbit tracks the look direction of the panorama camera in degrees. A
// saved baseline lets the view snap back to where a comparison started.
type Orbit struct {
	Yaw   float64
	Pitch float64

	baselineYaw   float64
	baselinePitch float64
	hasBaseline   bool
}

// Rotate applies a relative look movement, clamping pitch.
func (o *Orbit) Rotate(dyaw, dpitch float64) {
	o.Yaw = normalizeYaw(o.Yaw + dyaw)
	o.Pitch = clampPitch(o.Pitch + dpitch)
}

// Set replaces the look direction outright, with the same clamping.
func (o *Orbit) Set(yaw, pitch float64) {
	o.Yaw = normalizeYaw(yaw)
	o.Pitch = clampPitch(pitch)
}

// SaveBaseline records the current direction as the reset target.
func (o *Orbit) SaveBaseline() {
	o.baselineYaw = o.Yaw
	o.baselinePitch = o.Pitch
	o.hasBaseline = true
}

// Reset returns to the saved baseline, or to straight ahead when none was
// saved.
func (o *Orbit) Reset() {
	if o.hasBaseline {
		o.Yaw = o.baselineYaw
		o.Pitch = o.baselinePitch
		return
	}
	o.Yaw = 0
	o.Pitch = 0
}

// Orientation returns the direction as a yaw/pitch pair for persistence.
func (o *Orbit) Orientation() [2]float64 {
	return [2]float64{o.Yaw, o.Pitch}
}

func normalizeYaw(yaw float64) float64 {
	for yaw > 180 {
		yaw -= 360
	}
	for yaw < -180 {
		yaw += 360
	}
	return yaw
}

func clampPitch(pitch float64) float64 {
	if pitch > maxPitch {
		return maxPitch
	}
	if pitch < -maxPitch {
		return -maxPitch
	}
	return pitch
}
