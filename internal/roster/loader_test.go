package roster_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/t-sync/tsync/internal/roster"
)

func TestReadPhoneNumbers(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		input          string
		expectedPhones []string
	}{
		{
			name:           "first column after header",
			input:          "phone,name\n+15550001111,First\n+15550002222,Second\n",
			expectedPhones: []string{"+15550001111", "+15550002222"},
		},
		{
			name:           "blank entries skipped",
			input:          "phone\n+15550001111\n\n   \n+15550002222\n",
			expectedPhones: []string{"+15550001111", "+15550002222"},
		},
		{
			name:           "ragged rows tolerated",
			input:          "phone,name,note\n+15550001111\n+15550002222,Second,extra,cells\n",
			expectedPhones: []string{"+15550001111", "+15550002222"},
		},
		{
			name:           "surrounding whitespace trimmed",
			input:          "phone\n  +15550001111  \n",
			expectedPhones: []string{"+15550001111"},
		},
		{
			name:           "header only",
			input:          "phone\n",
			expectedPhones: nil,
		},
		{
			name:           "empty input",
			input:          "",
			expectedPhones: nil,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			phoneNumbers, err := roster.ReadPhoneNumbers(strings.NewReader(testCase.input))
			if err != nil {
				t.Fatalf("unexpected read error: %v", err)
			}
			if len(phoneNumbers) != len(testCase.expectedPhones) {
				t.Fatalf("expected %v, received %v", testCase.expectedPhones, phoneNumbers)
			}
			for index, expected := range testCase.expectedPhones {
				if phoneNumbers[index] != expected {
					t.Fatalf("expected %q at position %d, received %q", expected, index, phoneNumbers[index])
				}
			}
		})
	}
}

func TestReadPhoneFile(t *testing.T) {
	t.Parallel()

	rosterPath := filepath.Join(t.TempDir(), "roster.csv")
	if err := os.WriteFile(rosterPath, []byte("phone\n+15550001111\n"), 0o644); err != nil {
		t.Fatalf("write roster file: %v", err)
	}

	phoneNumbers, err := roster.ReadPhoneFile(rosterPath)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(phoneNumbers) != 1 || phoneNumbers[0] != "+15550001111" {
		t.Fatalf("unexpected phone numbers: %v", phoneNumbers)
	}

	if _, missingErr := roster.ReadPhoneFile(filepath.Join(t.TempDir(), "missing.csv")); missingErr == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestFormatResultsDocument(t *testing.T) {
	t.Parallel()

	formatted, err := roster.FormatResultsDocument([]byte(`{"+15550001111":{"id":1001}}`))
	if err != nil {
		t.Fatalf("unexpected format error: %v", err)
	}
	if !strings.Contains(string(formatted), "    \"+15550001111\"") {
		t.Fatalf("expected four-space indentation, received:\n%s", formatted)
	}

	if _, emptyErr := roster.FormatResultsDocument([]byte("   ")); emptyErr == nil {
		t.Fatal("expected an error for an empty document")
	}
}

func TestWriteResultsFile(t *testing.T) {
	t.Parallel()

	exportPath := filepath.Join(t.TempDir(), "results.json")
	if err := roster.WriteResultsFile(exportPath, []byte(`{"+15550001111":{"id":1001}}`)); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	written, readErr := os.ReadFile(exportPath)
	if readErr != nil {
		t.Fatalf("read exported file: %v", readErr)
	}
	if !strings.Contains(string(written), "+15550001111") {
		t.Fatalf("exported document is missing entries:\n%s", written)
	}
}
