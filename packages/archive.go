package packages

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PubspecFilename is the manifest every package archive must carry at its root.
const PubspecFilename = "pubspec.yaml"

// Pubspec is the parsed package manifest. It is kept schema free since
// clients may put arbitrary keys into it.
type Pubspec map[string]interface{}

func (p Pubspec) stringValue(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func (p Pubspec) Name() string {
	return p.stringValue("name")
}

func (p Pubspec) Version() string {
	return p.stringValue("version")
}

func (p Pubspec) Description() string {
	return p.stringValue("description")
}

// ReadPubspec extracts and parses the root pubspec.yaml from a gzipped tar archive.
func ReadPubspec(archive []byte) (Pubspec, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, errors.Wrap(err, "archive is not valid gzip")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, errors.New("archive does not contain a " + PubspecFilename)
		}
		if err != nil {
			return nil, errors.Wrap(err, "archive is not a valid tar")
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if strings.TrimPrefix(header.Name, "./") != PubspecFilename {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read "+PubspecFilename)
		}
		var pubspec Pubspec
		if err := yaml.Unmarshal(data, &pubspec); err != nil {
			return nil, errors.Wrap(err, "failed to parse "+PubspecFilename)
		}
		return pubspec, nil
	}
}

// ValidateArchive checks that the archive is a readable gzipped tar whose
// pubspec matches the given coordinates, and returns the parsed pubspec.
func ValidateArchive(name, version string, archive []byte) (Pubspec, error) {
	if len(archive) == 0 {
		return nil, errors.New("archive must not be empty")
	}
	pubspec, err := ReadPubspec(archive)
	if err != nil {
		return nil, err
	}
	if pubspec.Name() != name {
		return nil, errors.Errorf("pubspec name %q does not match %q", pubspec.Name(), name)
	}
	if pubspec.Version() != version {
		return nil, errors.Errorf("pubspec version %q does not match %q", pubspec.Version(), version)
	}
	return pubspec, nil
}

// SHA256Hex returns the hex encoded SHA-256 digest of the given data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
