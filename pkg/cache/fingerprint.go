package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

// Fingerprint hashes the audio content together with everything else that
// changes the computed result: the analysis options and the configuration
// revision of the orchestrator.
func Fingerprint(r io.Reader, opts models.AnalysisOptions, revision string) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "read audio")
	}
	// struct field order makes the encoding canonical
	encoded, err := json.Marshal(opts)
	if err != nil {
		return "", errors.Wrap(err, "encode options")
	}
	h.Write([]byte{0})
	h.Write(encoded)
	h.Write([]byte{0})
	h.Write([]byte(revision))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintFile is Fingerprint over the file at path.
func FingerprintFile(path string, opts models.AnalysisOptions, revision string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Fingerprint(f, opts, revision)
}
