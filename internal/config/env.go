package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"regexp"
	"sort"

	"github.com/joho/godotenv"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references in raw. The process environment wins
// over .env files; earlier files win over later ones. Unresolved references
// expand to "" and are returned sorted in unset, so a disabled channel may keep
// placeholders for credentials it does not have. A bare $ is left alone.
func expandEnv(raw []byte, envFiles []string) (out []byte, unset []string, err error) {
	if !envRef.Match(raw) {
		return raw, nil, nil
	}
	dotenv := map[string]string{}
	for i := len(envFiles) - 1; i >= 0; i-- {
		vals, err := godotenv.Read(envFiles[i])
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, nil, fmt.Errorf("read %s: %w", envFiles[i], err)
		}
		for k, v := range vals {
			dotenv[k] = v
		}
	}

	missing := map[string]struct{}{}
	out = envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := string(envRef.FindSubmatch(ref)[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if v, ok := dotenv[name]; ok {
			return []byte(v)
		}
		missing[name] = struct{}{}
		return nil
	})
	for n := range missing {
		unset = append(unset, n)
	}
	sort.Strings(unset)
	return out, unset, nil
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
