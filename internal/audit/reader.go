package audit

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Record is one parsed trail line.
type Record struct {
	Time   time.Time
	Event  string
	Fields map[string]string
}

// ReadTrail parses a trail file back into records, in append order.
// A partially written final line (seen when reading a live trail) is
// skipped rather than reported as corruption.
func ReadTrail(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return records, nil
}

func parseLine(line string) (Record, error) {
	rec := Record{Fields: make(map[string]string)}
	rest := line
	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return Record{}, fmt.Errorf("malformed pair near %q", rest)
		}
		key := rest[:eq]
		rest = rest[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			// Quoted value: find the closing unescaped quote.
			end := 1
			for end < len(rest) {
				if rest[end] == '\\' {
					end += 2
					continue
				}
				if rest[end] == '"' {
					break
				}
				end++
			}
			if end >= len(rest) {
				return Record{}, fmt.Errorf("unterminated quote in field %s", key)
			}
			unquoted, err := strconv.Unquote(rest[:end+1])
			if err != nil {
				return Record{}, fmt.Errorf("bad quoting in field %s: %w", key, err)
			}
			value = unquoted
			rest = rest[end+1:]
		} else {
			sp := strings.IndexByte(rest, ' ')
			if sp < 0 {
				value, rest = rest, ""
			} else {
				value, rest = rest[:sp], rest[sp:]
			}
		}

		switch key {
		case "ts":
			ts, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return Record{}, fmt.Errorf("bad timestamp %q: %w", value, err)
			}
			rec.Time = ts
		case "event":
			rec.Event = value
		default:
			rec.Fields[key] = value
		}
	}
	return rec, nil
}
