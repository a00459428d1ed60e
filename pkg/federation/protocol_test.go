package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forgehq/forge/pkg/capsule"
)

func newTestProtocol(t *testing.T) *Protocol {
	t.Helper()
	p, err := New("inst-a", "Instance A")
	if err != nil {
		t.Fatalf("new protocol: %v", err)
	}
	return p
}

func TestSignVerifyRoundTrip(t *testing.T) {
	p := newTestProtocol(t)
	msg := []byte("hello federation")
	sig := p.sign(msg)
	if !p.verify(msg, sig, p.PublicKey()) {
		t.Fatal("expected signature to verify against own public key")
	}
	if p.verify([]byte("tampered"), sig, p.PublicKey()) {
		t.Fatal("expected verify to fail for a tampered message")
	}
}

func TestCreateHandshakeVerifiesAgainstSelf(t *testing.T) {
	p := newTestProtocol(t)
	h, err := p.CreateHandshake()
	if err != nil {
		t.Fatalf("create handshake: %v", err)
	}
	if err := p.VerifyHandshake(h); err != nil {
		t.Fatalf("expected freshly created handshake to verify, got: %v", err)
	}
}

func TestVerifyHandshakeRejectsTooOldTimestamp(t *testing.T) {
	p := newTestProtocol(t)
	h, err := p.CreateHandshake()
	if err != nil {
		t.Fatalf("create handshake: %v", err)
	}
	h.Timestamp = time.Now().UTC().Add(-10 * time.Minute)

	err = p.VerifyHandshake(h)
	if err == nil {
		t.Fatal("expected a handshake older than 5 minutes to be rejected")
	}
}

func TestVerifyHandshakeRejectsFutureTimestamp(t *testing.T) {
	p := newTestProtocol(t)
	h, err := p.CreateHandshake()
	if err != nil {
		t.Fatalf("create handshake: %v", err)
	}
	h.Timestamp = time.Now().UTC().Add(2 * time.Minute)

	err = p.VerifyHandshake(h)
	if err == nil {
		t.Fatal("expected a handshake more than 30s in the future to be rejected")
	}
}

func TestVerifyHandshakeToleratesSmallClockSkew(t *testing.T) {
	p := newTestProtocol(t)
	h, err := p.CreateHandshake()
	if err != nil {
		t.Fatalf("create handshake: %v", err)
	}
	h.Timestamp = time.Now().UTC().Add(10 * time.Second)
	// Re-sign since the signature covers the timestamp.
	msg, err := capsule.CanonicalJSON(h.signingPayload())
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	h.Signature = p.sign(msg)

	if err := p.VerifyHandshake(h); err != nil {
		t.Fatalf("expected small clock skew to be tolerated, got: %v", err)
	}
}

func TestVerifyHandshakeRejectsTamperedSignature(t *testing.T) {
	p := newTestProtocol(t)
	h, err := p.CreateHandshake()
	if err != nil {
		t.Fatalf("create handshake: %v", err)
	}
	h.InstanceName = "someone-else"

	if err := p.VerifyHandshake(h); err == nil {
		t.Fatal("expected signature verification to fail after tampering with a signed field")
	}
}

func TestCreateAndVerifySyncPayload(t *testing.T) {
	p := newTestProtocol(t)
	capsules := []map[string]interface{}{{"id": "c1", "title": "one"}}
	payload, err := p.CreateSyncPayload("sync-1", "peer-b", capsules, nil, nil, false, "")
	if err != nil {
		t.Fatalf("create sync payload: %v", err)
	}
	if payload.ContentHash == "" {
		t.Fatal("expected a non-empty content hash")
	}
	if !p.VerifySyncPayload(payload, p.PublicKey()) {
		t.Fatal("expected sync payload to verify against own public key")
	}

	tampered := payload
	tampered.Deletions = []string{"c2"}
	if p.VerifySyncPayload(tampered, p.PublicKey()) {
		t.Fatal("expected verification to fail once payload contents are tampered with")
	}
}

func TestComputeContentHashIsDeterministic(t *testing.T) {
	p := newTestProtocol(t)
	content := map[string]interface{}{"a": 1, "b": "two"}
	h1, err := p.ComputeContentHash(content)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := p.ComputeContentHash(content)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical content to hash identically, got %q vs %q", h1, h2)
	}
}

func TestCheckPeerHealthClassifiesByStatusCode(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   PeerStatus
	}{
		{"ok", http.StatusOK, PeerStatusActive},
		{"bad gateway", http.StatusBadGateway, PeerStatusDegraded},
		{"service unavailable", http.StatusServiceUnavailable, PeerStatusDegraded},
		{"not found", http.StatusNotFound, PeerStatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := newTestProtocol(t)
			status := p.CheckPeerHealth(context.Background(), Peer{URL: srv.URL})
			if status != tt.want {
				t.Fatalf("expected %s for status %d, got %s", tt.want, tt.status, status)
			}
		})
	}
}

func TestCheckPeerHealthOfflineWhenUnreachable(t *testing.T) {
	p := newTestProtocol(t)
	status := p.CheckPeerHealth(context.Background(), Peer{URL: "http://127.0.0.1:1"})
	if status != PeerStatusOffline {
		t.Fatalf("expected offline for an unreachable peer, got %s", status)
	}
}
