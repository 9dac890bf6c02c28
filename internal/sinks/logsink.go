package sinks

import (
	"nodediag/pkg/diag"
	logx "nodediag/pkg/logx"
)

// LogSink writes reports to the structured log. OK reports go to
// debug so a healthy node stays quiet at the default level.
type LogSink struct {
	log      logx.Logger
	minLevel diag.Level
}

func NewLogSink(log logx.Logger, minLevel diag.Level) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log, minLevel: minLevel}
}

func (s *LogSink) Publish(batch []diag.Report) {
	for _, r := range batch {
		if r.Level < s.minLevel {
			continue
		}
		fields := []logx.Field{
			logx.String("task", r.Name),
			logx.String("status", r.Level.String()),
			logx.String("msg", r.Message),
		}
		if r.HardwareID != "" {
			fields = append(fields, logx.String("hwid", r.HardwareID))
		}
		switch r.Level {
		case diag.LevelOK:
			s.log.Debug("diagnostic", fields...)
		case diag.LevelWarn, diag.LevelStale:
			s.log.Warn("diagnostic", fields...)
		default:
			s.log.Error("diagnostic", fields...)
		}
	}
}
