package probe

import (
	"fmt"
	"math"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/stream"
)

// CTFThresholds are the CTF alarm limits in Ångström. Zero disables a limit.
type CTFThresholds struct {
	MaxDefocus     float64
	MinDefocus     float64
	MaxAstigmatism float64
	MaxResolution  float64
}

// NewCTF creates the CTF probe reading producer's ctf output.
func NewCTF(p Params, producer host.Protocol, th CTFThresholds) (*ItemProbe, error) {
	for name, v := range map[string]float64{
		"max_defocus": th.MaxDefocus, "min_defocus": th.MinDefocus,
		"max_astigmatism": th.MaxAstigmatism, "max_resolution": th.MaxResolution,
	} {
		if v < 0 {
			return nil, errors.NewInvalidParameter(name, "must not be negative, got %g", v)
		}
	}
	if th.MaxDefocus > 0 && th.MinDefocus > th.MaxDefocus {
		return nil, errors.NewInvalidParameter("min_defocus", "%g exceeds max_defocus %g", th.MinDefocus, th.MaxDefocus)
	}
	return newItemProbe(p, TableCTF, producer, stream.KindCTF, func(it stream.Item) (Record, []host.Alarm, []string, error) {
		return ctfRecord(it, th)
	})
}

func ctfRecord(it stream.Item, th CTFThresholds) (Record, []host.Alarm, []string, error) {
	c, ok := it.Payload.(stream.CTF)
	if !ok {
		return Record{}, nil, nil, errors.NewSchemaViolation("item %d: expected ctf payload, got %s", it.ID, it.Kind())
	}

	var anomalies []string
	finite := func(name string, v float64) float64 {
		f, changed := Finite(v)
		if changed {
			anomalies = append(anomalies, fmt.Sprintf("%s=%g", name, v))
		}
		return f
	}
	u := finite("defocus_u", c.DefocusU)
	v := finite("defocus_v", c.DefocusV)
	angle := finite("defocus_angle", c.DefocusAngle)
	u, v, angle, swapped := NormalizeDefocus(u, v, angle)
	if swapped {
		anomalies = append(anomalies, fmt.Sprintf("swapped defocus pair U=%g V=%g", c.DefocusU, c.DefocusV))
	}
	phase := 0.0
	if c.PhaseShift != nil {
		phase = finite("phase_shift", *c.PhaseShift)
	}
	resolution := finite("resolution", c.Resolution)

	rec := Record{
		Values: map[string]float64{
			"defocus_u":   u,
			"defocus_v":   v,
			"astigmatism": u - v,
			"angle":       angle,
			"resolution":  resolution,
			"fit_quality": finite("fit_quality", c.FitQuality),
			"phase_shift": phase,
		},
		Paths: map[string]string{
			"mic_path":        c.MicPath,
			"psd_path":        c.PSDPath,
			"shift_plot_path": c.ShiftPlotPath,
		},
	}

	var alarms []host.Alarm
	alarms = append(alarms, overMax("defocus_u", u, th.MaxDefocus)...)
	alarms = append(alarms, underMin("defocus_v", v, th.MinDefocus)...)
	alarms = append(alarms, overMax("astigmatism", u-v, th.MaxAstigmatism)...)
	alarms = append(alarms, overMax("resolution", resolution, th.MaxResolution)...)
	return rec, alarms, anomalies, nil
}

// Finite coerces ±Inf and NaN to 0 and reports whether it did.
func Finite(v float64) (float64, bool) {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, true
	}
	return v, false
}

// NormalizeDefocus orders a defocus pair so that u >= v. A swapped pair has
// its astigmatism angle reflected to 180-angle.
func NormalizeDefocus(u, v, angle float64) (float64, float64, float64, bool) {
	if u >= v {
		return u, v, angle, false
	}
	return v, u, 180 - angle, true
}
