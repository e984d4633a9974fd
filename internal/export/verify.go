package export

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/agent-market/agent-market/pkg/checksum"
)

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VerifyBundle checks a downloaded bundle directory: every file listed in
// SHA256SUMS must match, and when publicKey is set SHA256SUMS.sig must be a
// valid signature by it. It returns the verified file names.
func VerifyBundle(bundle fs.FS, publicKey string) ([]string, error) {
	sumsData, err := fs.ReadFile(bundle, SumsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", SumsFile, err)
	}

	if publicKey != "" {
		sig, err := fs.ReadFile(bundle, SignatureFile)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("bundle is not signed: %s missing", SignatureFile)
			}
			return nil, fmt.Errorf("failed to read %s: %w", SignatureFile, err)
		}
		if err := VerifySignature(publicKey, sumsData, sig); err != nil {
			return nil, err
		}
	}

	sums, err := checksum.ParseSums(sumsData)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", SumsFile, err)
	}
	if len(sums) == 0 {
		return nil, fmt.Errorf("%s lists no files", SumsFile)
	}

	names := make([]string, 0, len(sums))
	for name := range sums {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := fs.ReadFile(bundle, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := sums.Verify(name, data); err != nil {
			return nil, err
		}
	}
	return names, nil
}
