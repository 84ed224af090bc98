package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a suffix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New() // Generate a new UUID.
	uuidStr := id.String()
	idWithSuffix := fmt.Sprintf("%s_%s", module, uuidStr) // Append the module as a suffix to the UUID.
	return idWithSuffix
}

// Checksum returns the hex encoded SHA-256 digest of a generated file.
func Checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// BatchNumber formats the human readable batch number, e.g. BATCH-20251013-001.
func BatchNumber(date time.Time, sequence int64) string {
	return fmt.Sprintf("BATCH-%s-%03d", date.Format("20060102"), sequence)
}

// BatchFileName builds the partner facing file name, e.g. SUB_BPI_20251013_BATCH001.csv.
func BatchFileName(txnType TransactionType, partnerCode string, date time.Time, sequence int64, format FileFormat) string {
	return fmt.Sprintf("%s_%s_%s_BATCH%03d.%s",
		txnType.FilePrefix(),
		strings.ToUpper(partnerCode),
		date.Format("20060102"),
		sequence,
		format.Extension(),
	)
}
