package clamd

import "strings"

// Status is the verdict carried by a clamd response line.
type Status string

const (
	StatusClean   Status = "OK"
	StatusFound   Status = "FOUND"
	StatusError   Status = "ERROR"
	StatusUnknown Status = "UNKNOWN"
)

// Response is a parsed clamd reply.
type Response struct {
	Status Status
	// Threat is the signature name when Status is StatusFound.
	Threat string
	// Detail is the engine's message when Status is StatusError or StatusUnknown.
	Detail string
	Raw    string
}

// ParseResponse interprets a single clamd reply line such as
// "stream: Eicar-Test-Signature FOUND", "stream: OK" or
// "INSTREAM size limit exceeded. ERROR".
func ParseResponse(line string) *Response {
	line = strings.TrimSpace(strings.TrimRight(line, "\x00"))
	resp := &Response{Raw: line}

	switch {
	case strings.Contains(line, "FOUND"):
		resp.Status = StatusFound
		resp.Threat = threatName(line)
	case strings.Contains(line, "ERROR"):
		resp.Status = StatusError
		resp.Detail = stripSubject(strings.TrimSpace(strings.TrimSuffix(line, "ERROR")))
	case strings.Contains(line, "OK"):
		resp.Status = StatusClean
	default:
		resp.Status = StatusUnknown
		resp.Detail = line
	}

	return resp
}

// threatName extracts <name> from "<file>: <name> FOUND".
func threatName(line string) string {
	s := line
	if i := strings.LastIndex(s, " FOUND"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(stripSubject(s))
	if s == "" {
		return "unknown"
	}
	return s
}

func stripSubject(s string) string {
	if i := strings.Index(s, ": "); i >= 0 {
		return s[i+2:]
	}
	return s
}
