package pipeline

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/model"
)

// mentionFields are the recognized NDJSON keys; everything else lands in Meta.
var mentionFields = map[string]struct{}{
	"concept": {}, "chunk_text": {}, "group_id": {}, "group_title": {}, "source": {},
}

// ReadMentions parses newline-delimited JSON mention records. Each record
// needs concept, chunk_text, group_id, and group_title; source falls back to
// defaultSource when a record omits it. Unknown keys are preserved as Meta.
// A malformed or field-missing line is logged and skipped, not fatal; the
// count of skipped lines is returned alongside the parsed mentions.
func ReadMentions(r io.Reader, defaultSource string, logger *slog.Logger) ([]model.Mention, int, error) {
	var (
		mentions []model.Mention
		skipped  int
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			logger.Warn("skipping unparseable mention record", "line", line, "error", err)
			skipped++
			continue
		}

		m := model.Mention{
			Concept:    stringField(raw, "concept"),
			ChunkText:  stringField(raw, "chunk_text"),
			GroupID:    stringField(raw, "group_id"),
			GroupTitle: stringField(raw, "group_title"),
			Source:     stringField(raw, "source"),
		}
		if m.Source == "" {
			m.Source = defaultSource
		}
		if name := missingField(m); name != "" {
			logger.Warn("skipping incomplete mention record", "line", line, "missing", name)
			skipped++
			continue
		}

		for k, v := range raw {
			if _, known := mentionFields[k]; known {
				continue
			}
			if m.Meta == nil {
				m.Meta = make(map[string]any)
			}
			m.Meta[k] = v
		}
		mentions = append(mentions, m)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, err
	}
	return mentions, skipped, nil
}

// missingField names the first absent required field, or "".
func missingField(m model.Mention) string {
	switch {
	case m.Concept == "":
		return "concept"
	case m.ChunkText == "":
		return "chunk_text"
	case m.GroupID == "":
		return "group_id"
	case m.GroupTitle == "":
		return "group_title"
	}
	return ""
}

// stringField reads one recognized key, coercing scalar values (numbers,
// bools) to their string form so records like {"group_id": 2} parse.
func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
