package logger

import (
	"go.uber.org/zap"
)

// WithSymbol returns a child logger that tags every entry with a subsystem glyph.
//
//	log := logger.WithSymbol(base.Named("probe.ctf"), sym.Probe)
//	log.Infow("Probe started", logger.FieldProbe, "ctf")
//
// This keeps messages clean and makes logs queryable by subsystem.
func WithSymbol(l *zap.SugaredLogger, glyph string) *zap.SugaredLogger {
	return OrNop(l).With(FieldSymbol, glyph)
}
