package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"extbridge/pkg/config"
	"extbridge/pkg/extension"
)

func writeManifest(t *testing.T, parent string, name string, manifest string, entry string) string {
	t.Helper()

	dir := filepath.Join(parent, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, extension.ManifestFile), []byte(manifest), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if entry != "" {
		if err := os.WriteFile(filepath.Join(dir, entry), []byte("// entry"), 0o600); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	return dir
}

func TestListExtensionsReportsEachDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeManifest(t, root, "alpha", `{"name": "alpha", "version": "1.0.0", "main": "index.js", "permissions": {"env": ["API_KEY", "REGION"]}}`, "index.js")
	writeManifest(t, root, "broken", `{"name": "broken", "version": "1.0.0", "main": "missing.js"}`, "")

	rows, err := listExtensions(root, config.DefaultAllowedExtensions())
	if err != nil {
		t.Fatalf("listExtensions: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	byDir := map[string]extensionRow{}
	for _, row := range rows {
		byDir[row.dir] = row
	}

	alpha := byDir["alpha"]
	if alpha.err != nil || alpha.status() != "ok" {
		t.Fatalf("alpha status = %q (%v)", alpha.status(), alpha.err)
	}
	if alpha.entry != "index.js" || alpha.env != "API_KEY,REGION" {
		t.Fatalf("alpha row = %+v", alpha)
	}

	broken := byDir["broken"]
	if broken.err == nil {
		t.Fatal("expected broken extension to fail validation")
	}
	if !strings.HasPrefix(broken.status(), extension.ReasonEntry+":") {
		t.Fatalf("broken status = %q", broken.status())
	}
}

func TestListExtensionsMissingDirectory(t *testing.T) {
	t.Parallel()

	rows, err := listExtensions(filepath.Join(t.TempDir(), "absent"), config.DefaultAllowedExtensions())
	if err != nil {
		t.Fatalf("listExtensions: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows = %d, want 0", len(rows))
	}
}

func TestRenderExtensionTable(t *testing.T) {
	t.Parallel()

	dir := writeManifest(t, t.TempDir(), "weather", `{"name": "weather", "version": "0.3.1", "main": "main.py"}`, "main.py")
	out := renderExtensionTable([]extensionRow{inspectExtension(dir, config.DefaultAllowedExtensions())})

	for _, want := range []string{"NAME", "STATUS", "weather", "0.3.1", "main.py", "ok"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestLoadConfigOrDefaultsFallsBack(t *testing.T) {
	t.Setenv("EXTBRIDGE_CONFIG", filepath.Join(t.TempDir(), "nope.json"))

	var stderr bytes.Buffer
	cfg := loadConfigOrDefaults(&stderr)
	if cfg.Extensions.Dir != config.DefaultExtensionsDir {
		t.Fatalf("dir = %q, want default", cfg.Extensions.Dir)
	}
	if !strings.Contains(stderr.String(), "using default config") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}
