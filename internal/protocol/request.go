package protocol

import (
	"fmt"
	"strings"
)

// Verb is one of the recognized control-protocol verbs.
type Verb string

const (
	VerbShutdown   Verb = "shutdown"
	VerbStatus     Verb = "status"
	VerbLog        Verb = "log"
	VerbKill       Verb = "kill"
	VerbForeground Verb = "foreground"
	VerbStart      Verb = "start"
	VerbRestart    Verb = "restart"
	VerbVersion    Verb = "version"
	VerbDaemonLog  Verb = "daemon_log"
)

var knownVerbs = map[Verb]bool{
	VerbShutdown: true, VerbStatus: true, VerbLog: true, VerbKill: true,
	VerbForeground: true, VerbStart: true, VerbRestart: true,
	VerbVersion: true, VerbDaemonLog: true,
}

// ArgKind is a recognized argument kind. "target" (a program name) is the
// only one defined; unknown kinds on the wire are a ProtocolError.
type ArgKind string

const ArgTarget ArgKind = "target"

// Request is a decoded "[VERB]ARG1,ARG2,..." control message. Unknown is
// set when the verb text didn't match a recognized Verb, so the dispatch
// table can reply "unimplemented" without losing the original text.
type Request struct {
	Verb    Verb
	Unknown string // set instead of Verb when the verb is not recognized
	Targets []string
}

// Encode renders a Request back to wire text. decode(encode(req)) == req
// for every reachable request, including verbs with no arguments.
func (r Request) Encode() string {
	verb := string(r.Verb)
	if r.Verb == "" {
		verb = r.Unknown
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(verb)
	b.WriteByte(']')
	for i, t := range r.Targets {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(ArgTarget))
		b.WriteByte('=')
		b.WriteString(t)
	}
	return b.String()
}

// ParseRequest decodes a "[VERB]ARG1,ARG2,..." line. A leading '[' is
// required; the verb is the text up to the matching ']'; the remainder is
// comma-split and each non-empty segment must contain '='. An unrecognized
// argument kind is a ProtocolError; an unrecognized verb is not an error
// here — it is reported back to the dispatcher as Request.Unknown so the
// "unimplemented" response can name it.
func ParseRequest(line string) (Request, error) {
	if !strings.HasPrefix(line, "[") {
		return Request{}, fmt.Errorf("protocol: malformed request (missing '['): %q", line)
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return Request{}, fmt.Errorf("protocol: malformed request (missing ']'): %q", line)
	}
	verbText := line[1:end]
	rest := line[end+1:]

	req := Request{}
	v := Verb(verbText)
	if knownVerbs[v] {
		req.Verb = v
	} else {
		req.Unknown = verbText
	}

	if rest != "" {
		for _, seg := range strings.Split(rest, ",") {
			if seg == "" {
				continue
			}
			kind, val, ok := strings.Cut(seg, "=")
			if !ok {
				return Request{}, fmt.Errorf("protocol: malformed argument %q", seg)
			}
			if ArgKind(kind) != ArgTarget {
				return Request{}, fmt.Errorf("protocol: unknown argument kind %q", kind)
			}
			req.Targets = append(req.Targets, val)
		}
	}
	return req, nil
}
