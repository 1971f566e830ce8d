package logging

import "go.uber.org/zap"

// ZapFields converts a Fields set into zap.Field slice for use with a
// zap.Logger/SugaredLogger call site.
func ZapFields(f Fields) []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// NewProduction builds a production zap.SugaredLogger (JSON encoding,
// info level), the default for the oversight core per SPEC_FULL §AMBIENT.
func NewProduction() (*zap.SugaredLogger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
