package durable

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/valyala/fastjson"
)

// Format declares how a destination file is structured for the
// corruption detector.
type Format string

const (
	// FormatRecords is one JSON object per line.
	FormatRecords Format = "records"

	// FormatTabular is one CSV row per line.
	FormatTabular Format = "tabular"

	// FormatLines is free-form text, one record per line. Only the
	// encoding-level checks apply.
	FormatLines Format = "lines"
)

// IsCorrupt is a pure predicate: it reports whether the file at path
// fails a structural parse under the declared format. A missing or
// empty file is not corrupt. Truncated trailing records, NUL bytes and
// invalid UTF-8 all count as corruption.
func IsCorrupt(path string, format Format) bool {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return false
	}
	_, discarded := scan(data, format)
	return discarded > 0
}

// Recover parses as many complete records as possible from the head of
// the file, discarding the trailing partial record. It returns the
// recovered record lines (without separators) and the number of bytes
// discarded.
func Recover(path string, format Format) ([][]byte, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("recover %s: %w", path, err)
	}
	records, discarded := scan(data, format)
	return records, discarded, nil
}

// RecoverOrRestore recovers from path, falling back to the most recent
// backup version when nothing at all is recoverable. The returned bool
// reports whether the backup was used.
func RecoverOrRestore(path string, format Format, backups *BackupManager) ([][]byte, int64, bool, error) {
	records, discarded, err := Recover(path, format)
	if err != nil && !os.IsNotExist(err) {
		return nil, 0, false, err
	}
	if len(records) > 0 || backups == nil {
		return records, discarded, false, err
	}

	restored, _, restoreErr := backups.Restore(path)
	if restoreErr != nil {
		if err != nil {
			return nil, discarded, false, err
		}
		return records, discarded, false, nil
	}

	records, backupDiscarded := scan(restored, format)
	return records, discarded + backupDiscarded, true, nil
}

// scan walks complete newline-terminated records from the head of
// data, stopping at the first structural failure. It returns the valid
// record lines and the count of bytes not covered by them.
func scan(data []byte, format Format) ([][]byte, int64) {
	var records [][]byte
	consumed := int64(0)
	rest := data

	for len(rest) > 0 {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			// Trailing record without separator: truncated.
			break
		}
		line := rest[:nl]
		if !validLine(line, format) {
			break
		}
		if len(line) > 0 {
			records = append(records, line)
		}
		consumed += int64(nl + 1)
		rest = rest[nl+1:]
	}

	return records, int64(len(data)) - consumed
}

// validLine checks one complete line under the declared format.
func validLine(line []byte, format Format) bool {
	if len(line) == 0 {
		return true
	}
	if bytes.IndexByte(line, 0) >= 0 || !utf8.Valid(line) {
		return false
	}

	switch format {
	case FormatRecords:
		return fastjson.ValidateBytes(line) == nil
	case FormatTabular:
		r := csv.NewReader(strings.NewReader(string(line)))
		_, err := r.Read()
		return err == nil
	case FormatLines:
		return true
	}
	return false
}
