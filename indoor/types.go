package indoor

import (
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ReadingKind tags which measurements a Reading carries.
type ReadingKind int

const (
	// KindRanging is a direct distance measurement in meters.
	KindRanging ReadingKind = iota
	// KindRangingAndRssi carries both a distance and a signal strength.
	KindRangingAndRssi
	// KindRssi is a signal strength measurement in dBm.
	KindRssi
)

func (k ReadingKind) String() string {
	switch k {
	case KindRanging:
		return "ranging"
	case KindRangingAndRssi:
		return "ranging+rssi"
	case KindRssi:
		return "rssi"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the kind as its string name.
func (k ReadingKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts both the string names and the numeric tags, so hand
// written fingerprint files and compact wire payloads both decode.
func (k *ReadingKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch name {
		case "ranging":
			*k = KindRanging
		case "ranging+rssi", "rangingAndRssi":
			*k = KindRangingAndRssi
		case "rssi":
			*k = KindRssi
		default:
			return fmt.Errorf("unknown reading kind %q", name)
		}
		return nil
	}
	var tag int
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("reading kind must be a string or number: %w", err)
	}
	switch ReadingKind(tag) {
	case KindRanging, KindRangingAndRssi, KindRssi:
		*k = ReadingKind(tag)
		return nil
	}
	return fmt.Errorf("unknown reading kind %d", tag)
}

// Source is a radio transmitter with a stable identifier and a known
// position. TransmitPower and PathLossExponent parameterize the log distance
// path loss model used to turn signal strengths into distances.
type Source struct {
	ID       string    `json:"id"`
	Position []float64 `json:"position"`

	// PositionCovariance optionally describes the uncertainty of Position.
	// Order must match the position dimensions. Nil means exactly known.
	PositionCovariance *mat.SymDense `json:"-"`

	// TransmitPower is the expected RSSI in dBm at the model reference
	// distance of one meter.
	TransmitPower float64 `json:"transmitPower"`
	// PathLossExponent is the environment decay exponent. Zero selects
	// DefaultPathLossExponent.
	PathLossExponent float64 `json:"pathLossExponent,omitempty"`
}

// Dims returns the number of coordinates of the source position.
func (s *Source) Dims() int {
	return len(s.Position)
}

// Exponent returns the configured path loss exponent or the default.
func (s *Source) Exponent() float64 {
	if s.PathLossExponent > 0 {
		return s.PathLossExponent
	}
	return DefaultPathLossExponent
}

// Reading is one measurement tied to a source. Kind determines which fields
// are populated: Distance for ranging readings, Rssi for signal strength
// readings, both for composite readings.
type Reading struct {
	SourceID string      `json:"sourceId"`
	Kind     ReadingKind `json:"kind"`

	Distance       float64 `json:"distance,omitempty"`       // meters
	DistanceStdDev float64 `json:"distanceStdDev,omitempty"` // 0 means unknown
	Rssi           float64 `json:"rssi,omitempty"`           // dBm
	RssiStdDev     float64 `json:"rssiStdDev,omitempty"`     // 0 means unknown

	// NumAttempts and NumSuccesses count the underlying measurement
	// exchanges that produced this reading, when the radio layer reports
	// them.
	NumAttempts  int `json:"numAttempts,omitempty"`
	NumSuccesses int `json:"numSuccesses,omitempty"`
}

// NewRangingReading builds a pure ranging reading.
func NewRangingReading(sourceID string, distance, stddev float64) Reading {
	return Reading{SourceID: sourceID, Kind: KindRanging, Distance: distance, DistanceStdDev: stddev}
}

// NewRssiReading builds a pure signal strength reading.
func NewRssiReading(sourceID string, rssi, stddev float64) Reading {
	return Reading{SourceID: sourceID, Kind: KindRssi, Rssi: rssi, RssiStdDev: stddev}
}

// NewRangingAndRssiReading builds a composite reading carrying both
// measurements.
func NewRangingAndRssiReading(sourceID string, distance, distanceStdDev, rssi, rssiStdDev float64) Reading {
	return Reading{
		SourceID:       sourceID,
		Kind:           KindRangingAndRssi,
		Distance:       distance,
		DistanceStdDev: distanceStdDev,
		Rssi:           rssi,
		RssiStdDev:     rssiStdDev,
	}
}

// Split separates a composite reading into its ranging and RSSI parts.
// Non composite readings return themselves unchanged.
func (r Reading) Split() (ranging *Reading, rssi *Reading) {
	switch r.Kind {
	case KindRanging:
		out := r
		return &out, nil
	case KindRssi:
		out := r
		return nil, &out
	default:
		rangingPart := Reading{
			SourceID:       r.SourceID,
			Kind:           KindRanging,
			Distance:       r.Distance,
			DistanceStdDev: r.DistanceStdDev,
			NumAttempts:    r.NumAttempts,
			NumSuccesses:   r.NumSuccesses,
		}
		rssiPart := Reading{
			SourceID:   r.SourceID,
			Kind:       KindRssi,
			Rssi:       r.Rssi,
			RssiStdDev: r.RssiStdDev,
		}
		return &rangingPart, &rssiPart
	}
}

// Fingerprint is the ordered set of readings captured at one unknown
// location. Order is irrelevant to the estimate but kept stable for
// reproducibility.
type Fingerprint struct {
	DeviceID  string    `json:"deviceId,omitempty"`
	Readings  []Reading `json:"readings"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// CountKinds returns how many readings carry ranging and how many carry RSSI
// measurements. Composite readings count toward both.
func (f *Fingerprint) CountKinds() (ranging, rssi int) {
	for _, r := range f.Readings {
		switch r.Kind {
		case KindRanging:
			ranging++
		case KindRssi:
			rssi++
		case KindRangingAndRssi:
			ranging++
			rssi++
		}
	}
	return ranging, rssi
}

// DevicePosition is a finished estimate for one device in scene coordinates.
type DevicePosition struct {
	DeviceID    string    `json:"deviceId"`
	Coordinates []float64 `json:"coordinates"`
	// Accuracy is an approximate one sigma radius in meters derived from the
	// estimate covariance, 0 when unavailable.
	Accuracy   float64 `json:"accuracy,omitempty"`
	NumInliers int     `json:"numInliers,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}
