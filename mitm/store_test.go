package mitm

import (
	"crypto/tls"
	"testing"
)

func TestOpenGeneratesCAOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pemBytes, err := store.CACertPEM()
	if err != nil {
		t.Fatalf("CACertPEM: %v", err)
	}
	if len(pemBytes) == 0 {
		t.Fatal("want non-empty CA cert PEM")
	}
}

func TestOpenPersistsCAAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (first): %v", err)
	}
	firstPEM, err := first.CACertPEM()
	if err != nil {
		t.Fatalf("CACertPEM (first): %v", err)
	}

	second, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	secondPEM, err := second.CACertPEM()
	if err != nil {
		t.Fatalf("CACertPEM (second): %v", err)
	}

	if string(firstPEM) != string(secondPEM) {
		t.Fatal("want the same CA reloaded from disk, got a freshly generated one")
	}
}

func TestLeafForIssuesAndCachesPerSNI(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	leaf, err := store.LeafFor("api.github.com")
	if err != nil {
		t.Fatalf("LeafFor: %v", err)
	}
	if leaf == nil {
		t.Fatal("want a non-nil leaf certificate")
	}

	again, err := store.LeafFor("api.github.com")
	if err != nil {
		t.Fatalf("LeafFor (cached): %v", err)
	}
	if again != leaf {
		t.Fatal("want the cached leaf pointer reused, got a freshly issued one")
	}

	other, err := store.LeafFor("example.com")
	if err != nil {
		t.Fatalf("LeafFor (other SNI): %v", err)
	}
	if other == leaf {
		t.Fatal("want distinct leaves for distinct SNIs")
	}
}

func TestServerConfigRejectsMissingSNI(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conf := store.ServerConfig()
	if _, err := conf.GetCertificate(&tls.ClientHelloInfo{}); err == nil {
		t.Fatal("want an error for a ClientHello with no SNI")
	}
}
