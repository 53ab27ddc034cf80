package probe

import (
	"fmt"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/stream"
)

// GainThresholds bound the residual gain estimate of a movie. Zero disables
// a limit.
type GainThresholds struct {
	MaxStdDev float64
	MaxRatio1 float64
	MaxRatio2 float64
}

// NewGain creates the movie-gain probe reading producer's movie_gain output.
func NewGain(p Params, producer host.Protocol, th GainThresholds) (*ItemProbe, error) {
	for name, v := range map[string]float64{"max_std_dev": th.MaxStdDev, "max_ratio1": th.MaxRatio1, "max_ratio2": th.MaxRatio2} {
		if v < 0 {
			return nil, errors.NewInvalidParameter(name, "must not be negative, got %g", v)
		}
	}
	return newItemProbe(p, TableGain, producer, stream.KindMovieGain, func(it stream.Item) (Record, []host.Alarm, []string, error) {
		g, ok := it.Payload.(stream.MovieGain)
		if !ok {
			return Record{}, nil, nil, errors.NewSchemaViolation("item %d: expected movie_gain payload, got %s", it.ID, it.Kind())
		}
		var anomalies []string
		values := map[string]float64{}
		for name, v := range map[string]float64{"ratio1": g.Ratio1, "ratio2": g.Ratio2, "std_dev": g.StdDev} {
			f, changed := Finite(v)
			if changed {
				anomalies = append(anomalies, fmt.Sprintf("%s=%g", name, v))
			}
			values[name] = f
		}

		var alarms []host.Alarm
		alarms = append(alarms, overMax("std_dev", values["std_dev"], th.MaxStdDev)...)
		alarms = append(alarms, overMax("ratio1", values["ratio1"], th.MaxRatio1)...)
		alarms = append(alarms, overMax("ratio2", values["ratio2"], th.MaxRatio2)...)
		return Record{Values: values, Paths: map[string]string{"gain_path": g.ResidualGainPath}}, alarms, anomalies, nil
	})
}
