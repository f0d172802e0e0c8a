package inference

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const weightsExt = ".bin"

// Catalog lists the models the platform can serve: weights present in the
// models directory plus models configured for the remote backend.
type Catalog struct {
	Dir    string
	Remote []string
}

func (c Catalog) ListAvailable() ([]string, error) {
	seen := make(map[string]struct{})
	for _, id := range c.Remote {
		if id != "" {
			seen[id] = struct{}{}
		}
	}

	entries, err := os.ReadDir(c.Dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), weightsExt) {
			continue
		}
		seen[strings.TrimSuffix(e.Name(), weightsExt)] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Has reports whether id is in the catalog.
func (c Catalog) Has(id string) bool {
	ids, err := c.ListAvailable()
	if err != nil {
		return false
	}
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}

// WeightsPath is where Fetch stores weights for id.
func (c Catalog) WeightsPath(id string) string {
	return filepath.Join(c.Dir, id+weightsExt)
}
