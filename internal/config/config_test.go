package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Addr == "" {
		t.Fatal("expected a default listen address")
	}
}

func TestLoadParsesYAMLAndGeneratesMissingSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	const yamlDoc = `
listen:
  addr: "0.0.0.0:9443"
domains:
  - name: example.com
    hosts:
      - name: svc.example.com
        routes: ["/", "/api/v1"]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Addr != "0.0.0.0:9443" {
		t.Fatalf("got listen addr %q", cfg.Listen.Addr)
	}
	if len(cfg.Domains) != 1 || cfg.Domains[0].PresharedKey == "" {
		t.Fatalf("expected a generated preshared key, got %+v", cfg.Domains)
	}

	domains := cfg.ToRegistryDomains()
	if len(domains) != 1 || len(domains[0].Hosts) != 1 || len(domains[0].Hosts[0].Routes) != 2 {
		t.Fatalf("unexpected registry domains: %+v", domains)
	}
}
