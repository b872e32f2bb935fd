package roster

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
)

const (
	errMessageEmptyDocument = "results document is empty"

	exportIndent   = "    "
	exportFileMode = 0o644
)

var errEmptyDocument = errors.New(errMessageEmptyDocument)

// ReadPhoneNumbers reads phone numbers from tabular CSV input: the first
// column of every row after the header, with blank entries ignored.
func ReadPhoneNumbers(reader io.Reader) ([]string, error) {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1

	if _, headerErr := csvReader.Read(); headerErr != nil {
		if errors.Is(headerErr, io.EOF) {
			return nil, nil
		}
		return nil, headerErr
	}

	var phoneNumbers []string
	for {
		row, rowErr := csvReader.Read()
		if errors.Is(rowErr, io.EOF) {
			break
		}
		if rowErr != nil {
			return nil, rowErr
		}
		if len(row) == 0 {
			continue
		}
		phoneNumber := strings.TrimSpace(row[0])
		if phoneNumber == "" {
			continue
		}
		phoneNumbers = append(phoneNumbers, phoneNumber)
	}
	return phoneNumbers, nil
}

// ReadPhoneFile reads phone numbers from a CSV file on disk.
func ReadPhoneFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadPhoneNumbers(file)
}

// FormatResultsDocument re-indents a results document for operator review.
func FormatResultsDocument(resultsDocument []byte) ([]byte, error) {
	if len(bytes.TrimSpace(resultsDocument)) == 0 {
		return nil, errEmptyDocument
	}
	var buffer bytes.Buffer
	if err := json.Indent(&buffer, resultsDocument, "", exportIndent); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// WriteResultsFile exports a results document as an indented UTF-8 JSON file.
func WriteResultsFile(path string, resultsDocument []byte) error {
	formatted, err := FormatResultsDocument(resultsDocument)
	if err != nil {
		return err
	}
	return os.WriteFile(path, formatted, exportFileMode)
}
