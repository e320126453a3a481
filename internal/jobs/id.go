// Package jobs names generation jobs and the artifacts they produce.
package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Artifact file name prefixes.
const (
	PrefixSingle = "kie_"
	PrefixAlbum  = "kie_album_"
)

// GenerateID returns prefix followed by 8 random bytes in hex, e.g. "kie_9f2c01ab7d3e4410".
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Str("prefix", prefix).Msg("Failed to generate artifact id")
	}
	return prefix + hex.EncodeToString(b)
}

// ArchiveKey is the object key for a delivered artifact: <userID>/<yyyy-mm-dd>/<file>.
func ArchiveKey(userID int64, localPath string, at time.Time) string {
	return fmt.Sprintf("%d/%s/%s", userID, at.UTC().Format("2006-01-02"), filepath.Base(localPath))
}
