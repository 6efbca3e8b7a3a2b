// internal/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"

	custom_errors "repotracker/internal/errors"
	"repotracker/internal/model"
)

// file is the on-disk shape of the tracked-repositories document.
type file struct {
	Repositories []model.TrackedRepo `json:"repositories"`
}

// Load reads the registry file and returns the validated list of tracked
// repositories, in document order.
func Load(path string) ([]model.TrackedRepo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading registry %s: %v", custom_errors.ErrConfigInvalid, path, err)
	}

	var doc file
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing registry %s: %v", custom_errors.ErrConfigInvalid, path, err)
	}
	if len(doc.Repositories) == 0 {
		return nil, fmt.Errorf("%w: registry %s lists no repositories", custom_errors.ErrConfigInvalid, path)
	}

	seen := make(map[string]bool, len(doc.Repositories))
	for _, r := range doc.Repositories {
		if r.Name == "" {
			return nil, &custom_errors.ErrInvalidRepoEntry{Name: r.Name, Reason: "name is empty"}
		}
		if r.RemoteURL == "" {
			return nil, &custom_errors.ErrInvalidRepoEntry{Name: r.Name, Reason: "ssh_url is empty"}
		}
		if seen[r.Name] {
			return nil, &custom_errors.ErrInvalidRepoEntry{Name: r.Name, Reason: "duplicate name"}
		}
		seen[r.Name] = true
	}

	return doc.Repositories, nil
}
