package twitch

import (
	"strings"
)

// ircMessage is one parsed IRC line with IRCv3 tags.
type ircMessage struct {
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// Nick returns the nickname part of the prefix.
func (m ircMessage) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	return nick
}

// Trailing returns the last parameter.
func (m ircMessage) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// parseLine parses "@tags :prefix COMMAND params :trailing".
func parseLine(line string) (ircMessage, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return ircMessage{}, false
	}
	var m ircMessage

	if strings.HasPrefix(line, "@") {
		raw, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return ircMessage{}, false
		}
		m.Tags = parseTags(raw)
		line = strings.TrimLeft(rest, " ")
	}
	if strings.HasPrefix(line, ":") {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return ircMessage{}, false
		}
		m.Prefix = prefix
		line = strings.TrimLeft(rest, " ")
	}

	head, trailing, hasTrailing := strings.Cut(line, " :")
	if strings.HasPrefix(line, ":") {
		head, trailing, hasTrailing = "", line[1:], true
	}
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return ircMessage{}, false
	}
	m.Command = strings.ToUpper(fields[0])
	m.Params = fields[1:]
	if hasTrailing {
		m.Params = append(m.Params, trailing)
	}
	return m, true
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, kv := range strings.Split(raw, ";") {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			tags[k] = unescapeTag(v)
		}
	}
	return tags
}

var tagUnescaper = strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func unescapeTag(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	return tagUnescaper.Replace(v)
}

// badges parses "broadcaster/1,subscriber/12" into a set of badge names.
func badges(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, b := range strings.Split(raw, ",") {
		name, _, _ := strings.Cut(b, "/")
		if name != "" {
			out[name] = true
		}
	}
	return out
}
