package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kursadbilgin/binding-engine/internal/domain"
)

type itemRecord struct {
	Number string  `json:"number"`
	IMSI   string  `json:"imsi"`
	ICCID  *string `json:"iccid,omitempty"`
}

// readItemsFile loads batch items from a .json array or from CSV with columns
// number,imsi[,iccid]. A CSV header row starting with "number" is skipped.
func readItemsFile(path string) ([]domain.BatchItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return decodeJSONItems(f)
	}
	return decodeCSVItems(f)
}

func decodeJSONItems(r io.Reader) ([]domain.BatchItem, error) {
	var records []itemRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: decode items: %v", domain.ErrInvalidInput, err)
	}
	items := make([]domain.BatchItem, 0, len(records))
	for _, rec := range records {
		items = append(items, domain.BatchItem{Number: rec.Number, IMSI: rec.IMSI, ICCID: rec.ICCID})
	}
	return items, nil
}

func decodeCSVItems(r io.Reader) ([]domain.BatchItem, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var items []domain.BatchItem
	for line := 1; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: csv line %d: %v", domain.ErrInvalidInput, line, err)
		}
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "number") {
			continue
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: csv line %d: want number,imsi[,iccid]", domain.ErrInvalidInput, line)
		}

		item := domain.BatchItem{Number: row[0], IMSI: row[1]}
		if len(row) > 2 {
			item.ICCID = optional(row[2])
		}
		items = append(items, item)
	}
	return items, nil
}

// parseItemArgs reads NUMBER:IMSI[:ICCID] arguments.
func parseItemArgs(args []string) ([]domain.BatchItem, error) {
	items := make([]domain.BatchItem, 0, len(args))
	for _, arg := range args {
		parts := strings.Split(arg, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("%w: item %q, want NUMBER:IMSI[:ICCID]", domain.ErrInvalidInput, arg)
		}
		item := domain.BatchItem{Number: parts[0], IMSI: parts[1]}
		if len(parts) == 3 {
			item.ICCID = optional(parts[2])
		}
		items = append(items, item)
	}
	return items, nil
}
