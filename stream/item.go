package stream

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/emfacilities/emfac/errors"
)

// Kind tags the payload variant carried by an item.
type Kind string

// SetName is the conventional output set name for items of kind k, used as
// the file name <run>/<name>.sqlite.
func (k Kind) SetName() string {
	switch k {
	case KindMovieGain:
		return "movie_gains"
	default:
		return string(k) + "s"
	}
}

const (
	KindMovie      Kind = "movie"
	KindMicrograph Kind = "micrograph"
	KindParticle   Kind = "particle"
	KindCTF        Kind = "ctf"
	KindMovieGain  Kind = "movie_gain"
)

// Payload is implemented by every upstream item variant.
type Payload interface {
	Kind() Kind
}

// Movie is an acquired (optionally aligned) movie.
type Movie struct {
	FileName     string    `json:"file_name"`
	MicName      string    `json:"mic_name"`
	SamplingRate float64   `json:"sampling_rate"`
	Frames       int       `json:"frames"`
	ShiftX       []float64 `json:"shift_x,omitempty"`
	ShiftY       []float64 `json:"shift_y,omitempty"`
}

// Micrograph is an aligned, summed movie.
type Micrograph struct {
	FileName      string  `json:"file_name"`
	MicName       string  `json:"mic_name"`
	SamplingRate  float64 `json:"sampling_rate"`
	MovieID       int64   `json:"movie_id,omitempty"`
	PSDPath       string  `json:"psd_path,omitempty"`
	ShiftPlotPath string  `json:"shift_plot_path,omitempty"`
}

// Particle is a picked coordinate; MicID is its grouping key.
type Particle struct {
	MicID        int64   `json:"mic_id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	SamplingRate float64 `json:"sampling_rate"`
}

// CTF is a contrast transfer function estimate for one micrograph.
// Defocus values are in Ångström, the angle in degrees.
type CTF struct {
	MicID         int64    `json:"mic_id"`
	MicName       string   `json:"mic_name"`
	MicPath       string   `json:"mic_path"`
	PSDPath       string   `json:"psd_path,omitempty"`
	ShiftPlotPath string   `json:"shift_plot_path,omitempty"`
	DefocusU      float64  `json:"defocus_u"`
	DefocusV      float64  `json:"defocus_v"`
	DefocusAngle  float64  `json:"defocus_angle"`
	PhaseShift    *float64 `json:"phase_shift,omitempty"`
	Resolution    float64  `json:"resolution"`
	FitQuality    float64  `json:"fit_quality"`
}

// MovieGain is the residual gain estimate of one movie.
type MovieGain struct {
	MovieID          int64   `json:"movie_id"`
	MovieName        string  `json:"movie_name"`
	Ratio1           float64 `json:"ratio1"`
	Ratio2           float64 `json:"ratio2"`
	StdDev           float64 `json:"std_dev"`
	ResidualGainPath string  `json:"residual_gain_path,omitempty"`
}

func (Movie) Kind() Kind      { return KindMovie }
func (Micrograph) Kind() Kind { return KindMicrograph }
func (Particle) Kind() Kind   { return KindParticle }
func (CTF) Kind() Kind        { return KindCTF }
func (MovieGain) Kind() Kind  { return KindMovieGain }

// Item is one record of a streaming set. Items are immutable once appended.
type Item struct {
	ID        int64
	CreatedAt time.Time
	Payload   Payload
}

// Kind returns the payload kind, or "" for an empty item.
func (i Item) Kind() Kind {
	if i.Payload == nil {
		return ""
	}
	return i.Payload.Kind()
}

// EncodePayload serialises p for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.NewSchemaViolation("nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", p.Kind())
	}
	return data, nil
}

// DecodePayload parses a stored payload of the given kind. Unknown kinds and
// unknown keys are schema violations rather than silently ignored fields.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	switch kind {
	case KindMovie:
		var p Movie
		if err := dec.Decode(&p); err != nil {
			return nil, schemaError(kind, err)
		}
		return p, nil
	case KindMicrograph:
		var p Micrograph
		if err := dec.Decode(&p); err != nil {
			return nil, schemaError(kind, err)
		}
		return p, nil
	case KindParticle:
		var p Particle
		if err := dec.Decode(&p); err != nil {
			return nil, schemaError(kind, err)
		}
		return p, nil
	case KindCTF:
		var p CTF
		if err := dec.Decode(&p); err != nil {
			return nil, schemaError(kind, err)
		}
		return p, nil
	case KindMovieGain:
		var p MovieGain
		if err := dec.Decode(&p); err != nil {
			return nil, schemaError(kind, err)
		}
		return p, nil
	default:
		return nil, errors.NewSchemaViolation("unknown item kind %q", kind)
	}
}

func schemaError(kind Kind, err error) error {
	return errors.WithSecondaryError(errors.NewSchemaViolation("decode %s payload: %v", kind, err), err)
}
