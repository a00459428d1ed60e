package integrity

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgehq/forge/pkg/capsule"
	"github.com/forgehq/forge/pkg/ferrors"
)

func TestHashContentDeterministic(t *testing.T) {
	s := NewService()
	h1 := s.HashContent("hello world")
	h2 := s.HashContent("hello world")
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex hash, got %d chars", len(h1))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewService()
	pub, priv, err := s.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	hash := s.HashContent("institutional memory")
	sig := s.Sign(hash, priv)

	if !s.Verify(hash, sig, pub) {
		t.Fatal("expected signature to verify")
	}
	if s.Verify(s.HashContent("tampered content"), sig, pub) {
		t.Fatal("expected signature over different hash to fail verification")
	}
}

func TestMerkleRootChaining(t *testing.T) {
	s := NewService()
	rootHash := s.HashContent("root content")
	rootMerkle := s.MerkleRoot(rootHash, "")
	if rootMerkle != rootHash {
		t.Fatalf("root capsule's merkle root should equal its content hash")
	}

	childHash := s.HashContent("child content")
	childMerkle := s.MerkleRoot(childHash, rootMerkle)
	if childMerkle == childHash {
		t.Fatal("child merkle root should differ from its own content hash")
	}
	if !s.VerifyMerkleRoot(childHash, rootMerkle, childMerkle) {
		t.Fatal("expected merkle root to verify against known-good inputs")
	}
	if s.VerifyMerkleRoot(childHash, "some-other-root", childMerkle) {
		t.Fatal("expected merkle root verification to fail against wrong parent root")
	}
}

func buildChain(t *testing.T, n int) []*capsule.Capsule {
	t.Helper()
	s := NewService()
	chain := make([]*capsule.Capsule, 0, n)
	var prevRoot string
	for i := 0; i < n; i++ {
		content := uuid.NewString()
		hash := s.HashContent(content)
		root := s.MerkleRoot(hash, prevRoot)
		c := &capsule.Capsule{
			ID:          uuid.New(),
			Content:     content,
			ContentHash: hash,
			MerkleRoot:  root,
			CreatedAt:   time.Now(),
		}
		chain = append(chain, c)
		prevRoot = root
	}
	return chain
}

func TestVerifyChainHappyPath(t *testing.T) {
	s := NewService()
	chain := buildChain(t, 5)
	ok, badID := s.VerifyChain(chain)
	if !ok {
		t.Fatalf("expected chain to verify, first bad id: %s", badID)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	s := NewService()
	chain := buildChain(t, 4)
	chain[2].Content = "tampered"

	ok, badID := s.VerifyChain(chain)
	if ok {
		t.Fatal("expected tampered chain to fail verification")
	}
	if badID != chain[2].ID.String() {
		t.Fatalf("expected first bad id %s, got %s", chain[2].ID, badID)
	}
}

func TestVerifyCapsuleReportsMismatchKind(t *testing.T) {
	s := NewService()
	c := &capsule.Capsule{
		ID:          uuid.New(),
		Content:     "original",
		ContentHash: s.HashContent("different"),
	}

	err := s.VerifyCapsule(c, nil, "")
	if err == nil {
		t.Fatal("expected content hash mismatch error")
	}
	if ferrors.KindOf(err) != ferrors.KindContentHashMismatch {
		t.Fatalf("expected KindContentHashMismatch, got %v", ferrors.KindOf(err))
	}
}
