package jobs

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	a := GenerateID(PrefixAlbum)
	b := GenerateID(PrefixAlbum)
	if !strings.HasPrefix(a, PrefixAlbum) || len(a) != len(PrefixAlbum)+16 {
		t.Errorf("GenerateID = %q", a)
	}
	if a == b {
		t.Error("GenerateID returned the same id twice")
	}
}

func TestArchiveKey(t *testing.T) {
	at := time.Date(2026, 3, 9, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	got := ArchiveKey(42, "/tmp/work/kie_abc.png", at)
	if got != "42/2026-03-10/kie_abc.png" {
		t.Errorf("ArchiveKey = %q", got)
	}
}
