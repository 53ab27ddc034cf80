package report

import (
	"context"
	"fmt"
	"sort"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/stream"
)

// Line is one name/value line of the dashboard.
type Line struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OutputSummary is one output set of a watched protocol.
type OutputSummary struct {
	Protocol string `json:"protocol"`
	Status   string `json:"status"`
	Output   string `json:"output"`
	Size     int    `json:"size"`
	State    string `json:"state"`
}

// Summary is the protocol/output tree and acquisition metadata.
type Summary struct {
	Acquisition []Line
	Outputs     []OutputSummary
}

// SummaryProvider produces the summary refreshed on every report tick.
type SummaryProvider interface {
	Summary(ctx context.Context) (Summary, error)
}

// ProtocolSummary summarises a fixed list of protocols. Acquisition lines
// come from the first output that carries acquisition metadata.
type ProtocolSummary struct {
	Protocols []host.Protocol
}

func (s ProtocolSummary) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	for _, p := range s.Protocols {
		st, err := p.Status()
		if err != nil {
			return sum, errors.Wrapf(err, "status of %s", p.Name())
		}
		outs, err := p.Outputs()
		if err != nil {
			// a protocol that has produced nothing yet is listed without outputs
			if errors.IsNotFoundError(err) {
				sum.Outputs = append(sum.Outputs, OutputSummary{Protocol: p.Name(), Status: string(st)})
				continue
			}
			return sum, errors.Wrapf(err, "outputs of %s", p.Name())
		}
		if len(outs) == 0 {
			sum.Outputs = append(sum.Outputs, OutputSummary{Protocol: p.Name(), Status: string(st)})
			continue
		}
		names := make([]string, 0, len(outs))
		for n := range outs {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			o, err := describe(p.Name(), string(st), n, outs[n])
			if err != nil {
				return sum, err
			}
			sum.Outputs = append(sum.Outputs, o)
			if sum.Acquisition == nil {
				if info, err := outs[n].Info(); err == nil && info != (stream.Acquisition{}) {
					sum.Acquisition = AcquisitionLines(info)
				}
			}
		}
	}
	return sum, nil
}

func describe(protocol, status, name string, r stream.Reader) (OutputSummary, error) {
	size, err := r.Size()
	if err != nil {
		return OutputSummary{}, errors.Wrapf(err, "size of %s", name)
	}
	st, err := r.State()
	if err != nil {
		return OutputSummary{}, errors.Wrapf(err, "state of %s", name)
	}
	return OutputSummary{Protocol: protocol, Status: status, Output: name, Size: size, State: st.String()}, nil
}

// AcquisitionLines formats acquisition metadata for the dashboard.
func AcquisitionLines(a stream.Acquisition) []Line {
	lines := []Line{
		{"Voltage (kV)", fmt.Sprintf("%g", a.Voltage)},
		{"Spherical aberration (mm)", fmt.Sprintf("%g", a.SphericalAberration)},
		{"Amplitude contrast", fmt.Sprintf("%g", a.AmplitudeContrast)},
		{"Sampling rate (Å/px)", fmt.Sprintf("%g", a.SamplingRate)},
	}
	if a.Magnification > 0 {
		lines = append(lines, Line{"Magnification", fmt.Sprintf("%g", a.Magnification)})
	}
	if a.DosePerFrame > 0 {
		lines = append(lines, Line{"Dose per frame (e/Å²)", fmt.Sprintf("%g", a.DosePerFrame)})
	}
	return lines
}
