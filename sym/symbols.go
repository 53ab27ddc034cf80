// Package sym defines the glyphs attached to log lines and CLI output so that
// each emfac subsystem is recognisable at a glance. Glyphs are logged as the
// "symbol" structured field, never embedded in messages.
package sym

// Subsystem glyphs.
const (
	Set     = "▦" // streaming sets (append-only, id-keyed)
	Loop    = "꩜" // polling loop ticks
	Subset  = "⊂" // counter, sampler and launcher nodes
	Seal    = "⊡" // batch launcher seals a batch
	Probe   = "⌁" // metric probes
	Alarm   = "⚠" // threshold breaches delivered to the notifier
	Report  = "▤" // HTML dashboard
	Thumb   = "▣" // thumbnail rendering
	Publish = "⟶" // publish command / object store upload
	Influx  = "∿" // time-series sink
	DB      = "⊔" // sqlite storage layer
	Open    = "✿" // startup / resume
	Close   = "❀" // shutdown / set closed
)

// entry binds a glyph to the command that surfaces it in the runner CLI.
type entry struct {
	glyph       string
	command     string
	description string
}

var registry = []entry{
	{Set, "status", "Streaming sets"},
	{Loop, "", "Polling loop"},
	{Subset, "run", "Subset nodes (counter, sampler, launcher)"},
	{Seal, "", "Batch seal and downstream launch"},
	{Probe, "run", "Metric probes (ctf, gain, system)"},
	{Alarm, "", "Threshold alarms"},
	{Report, "report", "Facility report dashboard"},
	{Thumb, "", "Thumbnail rendering"},
	{Publish, "", "Report publishing"},
	{Influx, "influx", "Time-series sink"},
	{DB, "", "SQLite storage"},
	{Open, "", "Startup and resume"},
	{Close, "", "Shutdown and close"},
}

// CommandToSymbol maps runner commands to the glyph shown in their help text.
var CommandToSymbol = map[string]string{}

// Descriptions maps glyphs to a short human-readable label.
var Descriptions = map[string]string{}

func init() {
	for _, e := range registry {
		Descriptions[e.glyph] = e.description
		if e.command != "" {
			if _, exists := CommandToSymbol[e.command]; !exists {
				CommandToSymbol[e.command] = e.glyph
			}
		}
	}
}

// All returns every glyph in registry order.
func All() []string {
	out := make([]string, 0, len(registry))
	for _, e := range registry {
		out = append(out, e.glyph)
	}
	return out
}
