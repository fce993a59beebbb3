package upload

import (
	"testing"
)

func TestValidateFilename(t *testing.T) {
	f := &Facility{blocked: []string{".exe", ".sh"}}

	bad := []string{
		"",
		"../escape.txt",
		"dir/file.txt",
		"back\\slash.txt",
		"payload.exe",
		"script.SH",
		"nul\x00byte.txt",
	}
	for _, name := range bad {
		if err := f.validateFilename(name); err == nil {
			t.Errorf("%q should be rejected", name)
		}
	}

	good := []string{"report.html", "data.json", "archive.tar.gz"}
	for _, name := range good {
		if err := f.validateFilename(name); err != nil {
			t.Errorf("%q should pass: %v", name, err)
		}
	}
}

func TestBatchIDPrefix(t *testing.T) {
	a := newBatchID()
	b := newBatchID()
	if a == b {
		t.Error("batch ids must be unique")
	}
	if len(a) != len("batch-")+8 {
		t.Errorf("unexpected batch id shape %q", a)
	}
}
