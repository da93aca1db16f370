package listparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"flowsend/internal/precheck"
)

// ParseEntries parses a recipient list CSV. The header row must contain a
// "Phone" column (case-insensitive); a "ContactID" column is optional and,
// when present, takes precedence over phone-based identity resolution. All
// other columns become per-recipient Fields for placeholder resolution.
//
// Rows that cannot be used are dropped with a warning per row, so the caller
// can surface import loss instead of hiding it. maxRows limits how many data
// rows are parsed (excluding header).
func ParseEntries(r io.Reader, maxRows int) ([]precheck.Entry, []string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, nil, err
	}
	if len(headers) == 0 {
		return nil, nil, errors.New("csv header row is empty")
	}

	phoneIdx, idIdx := -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		normalized[i] = h
		switch {
		case strings.EqualFold(h, "phone"):
			phoneIdx = i
		case strings.EqualFold(h, "contactid") || strings.EqualFold(h, "contact_id"):
			idIdx = i
		}
	}
	if phoneIdx == -1 && idIdx == -1 {
		return nil, nil, errors.New("csv must contain a Phone or ContactID column")
	}

	if maxRows <= 0 {
		maxRows = 10000
	}

	var warnings []string
	entries := make([]precheck.Entry, 0)
	row := 1 // header
	for len(entries) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		row++
		if len(record) != len(headers) {
			warnings = append(warnings, fmt.Sprintf("row %d: %d columns, want %d, dropped", row, len(record), len(headers)))
			continue
		}

		var entry precheck.Entry
		if phoneIdx != -1 {
			entry.Phone = strings.TrimSpace(record[phoneIdx])
		}
		if idIdx != -1 {
			raw := strings.TrimSpace(record[idIdx])
			if raw != "" {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("row %d: contact id %q is not numeric, dropped", row, raw))
					continue
				}
				entry.ContactID = id
			}
		}
		if entry.Phone == "" && entry.ContactID == 0 {
			warnings = append(warnings, fmt.Sprintf("row %d: no phone or contact id, dropped", row))
			continue
		}

		fields := make(map[string]string, len(headers))
		for i := range record {
			if i == phoneIdx || i == idIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			fields[key] = strings.TrimSpace(record[i])
		}
		if len(fields) > 0 {
			entry.Fields = fields
		}

		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, warnings, errors.New("csv must contain at least one data row")
	}

	return entries, warnings, nil
}
