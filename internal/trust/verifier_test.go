package trust

import (
	"context"
	"errors"
	"testing"
)

func TestVerify(t *testing.T) {
	backend := newFakeBackend()
	backend.fingerprints["web-01"] = "SHA256:abc"
	v := NewVerifier(backend)
	ctx := context.Background()

	tests := []struct {
		name        string
		id          string
		fingerprint string
		want        VerifyResult
	}{
		{"match", "web-01", "SHA256:abc", Match},
		{"mismatch", "web-01", "SHA256:other", Mismatch},
		{"unknown id", "ghost", "SHA256:abc", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(ctx, tt.id, tt.fingerprint)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got != tt.want {
				t.Errorf("Verify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestVerifyBackendFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.lookupErr = errors.New("connection refused")
	v := NewVerifier(backend)

	if _, err := v.Verify(context.Background(), "web-01", "SHA256:abc"); err == nil {
		t.Fatal("connectivity failure must surface as an error")
	}
}

func TestVerifyResultString(t *testing.T) {
	if Match.String() != "match" || Mismatch.String() != "mismatch" || Unknown.String() != "unknown" {
		t.Error("unexpected VerifyResult strings")
	}
	if VerifyResult(42).String() != "VerifyResult(42)" {
		t.Errorf("fallback string = %s", VerifyResult(42).String())
	}
}
