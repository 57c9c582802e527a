package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"extbridge/pkg/pathguard"
)

// ManifestFile is the descriptor every extension directory must contain.
const ManifestFile = "manifest.json"

// Reasons reported by ManifestError.
const (
	ReasonMissing    = "missing"
	ReasonUnreadable = "unreadable"
	ReasonMalformed  = "malformed"
	ReasonInvalid    = "invalid"
	ReasonEntry      = "entry"
)

// Manifest declares an extension. It is immutable once read.
type Manifest struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Main        string      `json:"main"`
	Description string      `json:"description,omitempty"`
	Permissions Permissions `json:"permissions"`

	// Dir is the resolved extension directory.
	Dir string `json:"-"`
	// Entry is the resolved absolute path of Main.
	Entry string `json:"-"`
}

// Permissions lists what an extension may read from the host.
type Permissions struct {
	Env []string `json:"env,omitempty"`
}

// ManifestError reports why an extension directory cannot be loaded.
type ManifestError struct {
	Dir    string
	Reason string
	Err    error
}

func (e *ManifestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("manifest %s: %s: %v", e.Dir, e.Reason, e.Err)
}

func (e *ManifestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
})

// ReadManifest loads and validates the manifest in dir. The entry point must
// be an existing regular file inside dir whose extension is in allowed.
func ReadManifest(dir string, allowed []string) (*Manifest, error) {
	guard, err := pathguard.NewGuard(dir)
	if err != nil {
		return nil, &ManifestError{Dir: dir, Reason: ReasonMissing, Err: err}
	}
	root := guard.Root()

	content, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		reason := ReasonUnreadable
		if errors.Is(err, os.ErrNotExist) {
			reason = ReasonMissing
		}
		return nil, &ManifestError{Dir: root, Reason: reason, Err: err}
	}

	if !json.Valid(content) {
		return nil, &ManifestError{Dir: root, Reason: ReasonMalformed, Err: errors.New("not valid JSON")}
	}
	if err := validateSchema(content); err != nil {
		return nil, &ManifestError{Dir: root, Reason: ReasonInvalid, Err: err}
	}

	var manifest Manifest
	if err := json.Unmarshal(content, &manifest); err != nil {
		return nil, &ManifestError{Dir: root, Reason: ReasonMalformed, Err: err}
	}

	for _, name := range manifest.Permissions.Env {
		if IsReservedEnv(name) {
			return nil, &ManifestError{Dir: root, Reason: ReasonInvalid, Err: fmt.Errorf("permission for reserved variable %s", name)}
		}
	}

	suffix := strings.ToLower(filepath.Ext(manifest.Main))
	if !slices.Contains(normalizeSuffixes(allowed), suffix) {
		return nil, &ManifestError{Dir: root, Reason: ReasonEntry, Err: fmt.Errorf("entry %q has disallowed extension %q", manifest.Main, suffix)}
	}

	entry, err := guard.ResolveFile(manifest.Main)
	if err != nil {
		return nil, &ManifestError{Dir: root, Reason: ReasonEntry, Err: err}
	}

	manifest.Dir = root
	manifest.Entry = entry

	return &manifest, nil
}

func validateSchema(content []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile manifest schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(content))
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return errors.New(strings.Join(details, "; "))
}

func normalizeSuffixes(suffixes []string) []string {
	out := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		suffix = strings.ToLower(strings.TrimSpace(suffix))
		if suffix == "" {
			continue
		}
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		out = append(out, suffix)
	}
	return out
}
