package logging

import "log/slog"

// Field names shared by every log record the service emits.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldCategory   = "category"
	FieldUserID     = "user_id"
	FieldIP         = "ip"
	FieldActor      = "actor"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldFileName   = "file_name"
	FieldSize       = "size"
	FieldSHA256     = "sha256"
	FieldScanStatus = "scan_status"
	FieldThreat     = "threat"
	FieldEventType  = "event_type"
	FieldReason     = "reason"
)

const CategorySecurity = "security"

func Service(name string) slog.Attr { return slog.String(FieldService, name) }

func Category(c string) slog.Attr { return slog.String(FieldCategory, c) }

func UserID(id string) slog.Attr { return slog.String(FieldUserID, id) }

func IP(ip string) slog.Attr { return slog.String(FieldIP, ip) }

func Method(method string) slog.Attr { return slog.String(FieldMethod, method) }

// Path is a filesystem or URL path. Operator-only: never echoed to clients.
func Path(path string) slog.Attr { return slog.String(FieldPath, path) }

func Status(code int) slog.Attr { return slog.Int(FieldStatus, code) }

func Duration(ms int64) slog.Attr { return slog.Int64(FieldDuration, ms) }

// Error returns an error attribute; a nil error is logged as "<nil>".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "<nil>")
	}
	return slog.String(FieldError, err.Error())
}

func FileName(name string) slog.Attr { return slog.String(FieldFileName, name) }

func Size(n int64) slog.Attr { return slog.Int64(FieldSize, n) }

func SHA256(hash string) slog.Attr { return slog.String(FieldSHA256, hash) }

func ScanStatus(status string) slog.Attr { return slog.String(FieldScanStatus, status) }

func Threat(name string) slog.Attr { return slog.String(FieldThreat, name) }

func EventType(t string) slog.Attr { return slog.String(FieldEventType, t) }

func Actor(key string) slog.Attr { return slog.String(FieldActor, key) }

func Reason(r string) slog.Attr { return slog.String(FieldReason, r) }
