package identity

import (
	"testing"
	"time"
)

func TestNewGeneratesDistinctIdentities(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.PeerID == b.PeerID {
		t.Fatal("expected distinct peer IDs across two New calls")
	}
	if a.Keys.Private.Equal(b.Keys.Private) {
		t.Fatal("expected distinct key pairs across two New calls")
	}
}

func TestWithStartTimeOverridesClockOrigin(t *testing.T) {
	backdated := time.Now().Add(-time.Hour)
	id, err := New(WithStartTime(backdated))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !id.StartTime.Equal(backdated) {
		t.Fatalf("expected StartTime %v, got %v", backdated, id.StartTime)
	}
}

func TestFingerprintIsStableAndDistinct(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fp1, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fp2, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("expected stable fingerprint across calls, got %q then %q", fp1, fp2)
	}
	if len(fp1) != 40 {
		t.Fatalf("expected a 40-hex-char SHA-1 digest, got %d chars", len(fp1))
	}

	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fp3, err := b.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp1 == fp3 {
		t.Fatal("expected distinct fingerprints for distinct key pairs")
	}
}
