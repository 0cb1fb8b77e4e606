package dataset

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{4,}\.tar$`)

// DiscoverShards returns the sorted paths of shard TAR files beneath root.
// An empty result is an error: a training run with nothing to read is a
// configuration mistake, not an idle loop.
func DiscoverShards(root string) ([]string, error) {
	shards := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			shards = append(shards, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	if len(shards) == 0 {
		return nil, errors.Errorf("discover shards: no shard TARs under %s", root)
	}
	sort.Strings(shards)
	return shards, nil
}
