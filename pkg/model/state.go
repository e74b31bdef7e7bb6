package model

// Vec3 is a point or offset in engine coordinates.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Rotation holds the three view rotation angles in radians.
type Rotation struct {
	Rot1 float64 `json:"rot1"`
	Rot2 float64 `json:"rot2"`
	Rot3 float64 `json:"rot3"`
}

// Scale2 is the horizontal/vertical zoom factor pair.
type Scale2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Visibility toggles whole data types on or off.
type Visibility struct {
	Seismic   bool `json:"seismic"`
	Attribute bool `json:"attribute"`
	Horizon   bool `json:"horizon"`
	Well      bool `json:"well"`
}

// Slices toggles the crossline (X), inline (Y) and depth (Z) slices.
type Slices struct {
	X bool `json:"x_slice"`
	Y bool `json:"y_slice"`
	Z bool `json:"z_slice"`
}

// EngineState is a full capture of every mutable engine parameter.
//
// It contains no references, so assigning it copies it and == compares
// two states field by field. History entries rely on both properties.
type EngineState struct {
	Position      Vec3       `json:"position"`
	Orientation   Rotation   `json:"orientation"`
	Scale         Scale2     `json:"scale"`
	Shift         Vec3       `json:"shift"`
	Visibility    Visibility `json:"visibility"`
	Slices        Slices     `json:"slices"`
	Gain          float64    `json:"gain"`
	ColormapIndex int        `json:"colormap_index"`
	ColorScale    float64    `json:"color_scale"`
}

// Map renders the state as a generic mapping for result payloads.
func (s EngineState) Map() map[string]any {
	return map[string]any{
		"position":    map[string]any{"x": s.Position.X, "y": s.Position.Y, "z": s.Position.Z},
		"orientation": map[string]any{"rot1": s.Orientation.Rot1, "rot2": s.Orientation.Rot2, "rot3": s.Orientation.Rot3},
		"scale":       map[string]any{"x": s.Scale.X, "y": s.Scale.Y},
		"shift":       map[string]any{"x": s.Shift.X, "y": s.Shift.Y, "z": s.Shift.Z},
		"visibility": map[string]any{
			"seismic": s.Visibility.Seismic, "attribute": s.Visibility.Attribute,
			"horizon": s.Visibility.Horizon, "well": s.Visibility.Well,
		},
		"slices":         map[string]any{"x_slice": s.Slices.X, "y_slice": s.Slices.Y, "z_slice": s.Slices.Z},
		"gain":           s.Gain,
		"colormap_index": s.ColormapIndex,
		"color_scale":    s.ColorScale,
	}
}

// DefaultEngineState is the state of the stock template the engine loads
// on startup.
func DefaultEngineState() EngineState {
	return EngineState{
		Position:      Vec3{X: 160112.5, Y: 112487.5, Z: 3500},
		Orientation:   Rotation{Rot1: 0, Rot2: 0.39269908169872414, Rot3: -0.7853981633974483},
		Scale:         Scale2{X: 0.7511687840078737, Y: 0.7511687840078737},
		Shift:         Vec3{X: -1122.5, Y: 521.33883476483174, Z: -1601.125},
		Visibility:    Visibility{Seismic: true, Well: true},
		Slices:        Slices{X: true, Y: true},
		Gain:          1.0,
		ColormapIndex: 3,
		ColorScale:    1,
	}
}
