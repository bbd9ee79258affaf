package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ReadRecords decodes JSONL records from r and calls fn for each one.
//
// Blank lines are skipped. A malformed line followed by more data is an
// error; a malformed final line yields ErrTruncatedRecord after every
// preceding record has been delivered.
func ReadRecords(r io.Reader, fn func(Record) error) error {
	reader := bufio.NewReader(r)
	line := 0
	var pending error

	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			line++
			if pending != nil {
				return pending
			}

			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				pending = fmt.Errorf("line %d: %w", line, err)
			} else if err := fn(rec); err != nil {
				return err
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return &WriteError{Op: "read", Err: readErr}
		}
	}

	if pending != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedRecord, pending)
	}
	return nil
}
