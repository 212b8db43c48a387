package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRoute      = "route"
	KeyBundle     = "bundle"
	KeyPipeline   = "pipeline"
	KeyStatus     = "status"
	KeyCycle      = "cycle"
	KeySession    = "session"
	KeyCount      = "count"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyMethod     = "method"
	KeyHTTPStatus = "http_status"
	KeyUserAgent  = "user_agent"
	KeyRemoteAddr = "remote_addr"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Route(r string) slog.Attr        { return slog.String(KeyRoute, r) }
func Bundle(b string) slog.Attr       { return slog.String(KeyBundle, b) }
func Pipeline(p string) slog.Attr     { return slog.String(KeyPipeline, p) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Cycle(n uint64) slog.Attr        { return slog.Uint64(KeyCycle, n) }
func Session(id string) slog.Attr     { return slog.String(KeySession, id) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func HTTPStatus(code int) slog.Attr   { return slog.Int(KeyHTTPStatus, code) }
func UserAgent(ua string) slog.Attr   { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
