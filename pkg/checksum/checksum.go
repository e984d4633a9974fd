// Package checksum provides SHA-256 helpers for export bundles: hashing content and reading and
// writing SHA256SUMS manifests in the coreutils "<hex>  <name>" layout.
package checksum

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SHA256Hex hashes an in-memory buffer.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifySHA256 verifies that the checksum of data matches the expected checksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return strings.EqualFold(actualChecksum, expectedChecksum), nil
}

// Sums maps file names to hex SHA256 checksums.
type Sums map[string]string

// SumFiles hashes every file.
func SumFiles(files map[string][]byte) Sums {
	sums := make(Sums, len(files))
	for name, data := range files {
		sums[name] = SHA256Hex(data)
	}
	return sums
}

// Marshal renders the manifest sorted by file name.
func (s Sums) Marshal() []byte {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		fmt.Fprintf(&buf, "%s  %s\n", s[name], name)
	}
	return buf.Bytes()
}

// ParseSums reads a SHA256SUMS manifest. Binary-mode markers ("*name") are
// accepted.
func ParseSums(content []byte) (Sums, error) {
	sums := Sums{}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return nil, fmt.Errorf("line %d: expected \"<checksum>  <file>\"", lineNo)
		}
		sum := strings.ToLower(parts[0])
		if len(sum) != sha256.Size*2 {
			return nil, fmt.Errorf("line %d: invalid checksum length %d", lineNo, len(sum))
		}
		if _, err := hex.DecodeString(sum); err != nil {
			return nil, fmt.Errorf("line %d: invalid checksum: %w", lineNo, err)
		}
		name := strings.TrimPrefix(strings.Join(parts[1:], " "), "*")
		if _, dup := sums[name]; dup {
			return nil, fmt.Errorf("line %d: duplicate entry for %s", lineNo, name)
		}
		sums[name] = sum
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sums, nil
}

// Verify checks that data matches the recorded checksum for name.
func (s Sums) Verify(name string, data []byte) error {
	want, ok := s[name]
	if !ok {
		return fmt.Errorf("checksum not found for file: %s", name)
	}
	if got := SHA256Hex(data); got != want {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", name, want, got)
	}
	return nil
}
