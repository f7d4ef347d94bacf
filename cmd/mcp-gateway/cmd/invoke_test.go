package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseParams(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "params.json")
	if err := os.WriteFile(file, []byte(`{"city":"Oslo","days":1}`), 0o600); err != nil {
		t.Fatal(err)
	}

	args, err := parseParams([]string{"days=3", "verbose=true", "note=plain text"}, file)
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if args["city"] != "Oslo" {
		t.Errorf("city = %v", args["city"])
	}
	// Inline pairs win over the file, and JSON values keep their type.
	if args["days"] != float64(3) {
		t.Errorf("days = %v (%T)", args["days"], args["days"])
	}
	if args["verbose"] != true {
		t.Errorf("verbose = %v", args["verbose"])
	}
	if args["note"] != "plain text" {
		t.Errorf("note = %v", args["note"])
	}
}

func TestParseParamsRejectsMalformedPair(t *testing.T) {
	for _, pair := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{pair}, ""); err == nil {
			t.Errorf("parseParams(%q): want error", pair)
		}
	}
}
