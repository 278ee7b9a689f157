package emit

import "go.uber.org/zap"

// ZapEmitter writes events through a zap logger, one structured entry per
// event. Failure kinds log at error level, everything else at debug, so a
// production logger at info level stays quiet on healthy runs.
type ZapEmitter struct {
	log *zap.Logger
}

// NewZapEmitter creates an emitter over the given logger. A nil logger
// falls back to zap.NewNop.
func NewZapEmitter(log *zap.Logger) *ZapEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapEmitter{log: log}
}

// Emit logs one entry for the event.
func (z *ZapEmitter) Emit(event Event) {
	fields := []zap.Field{
		zap.String("run_id", event.RunID),
		zap.String("workflow", event.Workflow),
	}
	if event.Node != "" {
		fields = append(fields, zap.String("node", event.Node))
	}
	if event.Unit != "" {
		fields = append(fields, zap.String("unit", event.Unit))
	}
	if event.Err != "" {
		fields = append(fields, zap.String("error", event.Err))
	}
	if len(event.Meta) > 0 {
		fields = append(fields, zap.Any("meta", event.Meta))
	}

	switch event.Kind {
	case UnitFailed, UnitUnreachable:
		z.log.Error(event.Kind, fields...)
	default:
		z.log.Debug(event.Kind, fields...)
	}
}
