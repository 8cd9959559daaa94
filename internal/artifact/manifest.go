package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const manifestSchema = `{
  "type": "object",
  "required": ["files"],
  "properties": {
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["target"],
        "properties": {
          "source": {"type": "string"},
          "target": {"type": "string", "minLength": 1},
          "hash":   {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
          "bytes":  {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var compiledManifestSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest.json", strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("add manifest schema: %v", err))
	}
	compiledManifestSchema = compiler.MustCompile("manifest.json")
}

type ManifestEntry struct {
	Source string  `json:"source,omitempty"`
	Target string  `json:"target"`
	Hash   *string `json:"hash,omitempty"`
	Bytes  *int64  `json:"bytes,omitempty"`
}

type Manifest struct {
	Files []ManifestEntry `json:"files"`
}

// ReadManifest loads the expected file set keyed by file name. Entries without
// a digest are hashed from the target file next to the manifest; targets that
// no longer exist are skipped.
func ReadManifest(path string) (map[string]Digest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := compiledManifestSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("manifest %s does not match schema: %w", path, err)
	}

	var m Manifest
	if err := json.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	out := make(map[string]Digest, len(m.Files))
	for _, e := range m.Files {
		name := filepath.Base(filepath.FromSlash(e.Target))
		if e.Hash != nil {
			d := Digest{Hash: strings.ToLower(*e.Hash), Bytes: -1}
			if e.Bytes != nil {
				d.Bytes = *e.Bytes
			}
			if d.Bytes < 0 {
				// size unknown: fill it from disk when possible
				if st, err := os.Stat(filepath.Join(dir, filepath.FromSlash(e.Target))); err == nil {
					d.Bytes = st.Size()
				}
			}
			out[name] = d
			continue
		}
		d, err := FileDigest(filepath.Join(dir, filepath.FromSlash(e.Target)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[name] = d
	}
	return out, nil
}

func FileDigest(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), Bytes: n}, nil
}

// CollectDigests hashes every regular file under root, keyed by file name.
// Files named in skip are ignored.
func CollectDigests(root string, skip ...string) (map[string]Digest, error) {
	out := make(map[string]Digest)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		for _, s := range skip {
			if d.Name() == s {
				return nil
			}
		}
		dg, err := FileDigest(path)
		if err != nil {
			return err
		}
		out[d.Name()] = dg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
