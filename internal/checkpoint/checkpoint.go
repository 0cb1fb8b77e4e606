package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"ganforge/internal/nn"
)

// Artifact is the on-disk training snapshot: every network's parameters
// plus its spectral-norm estimates, keyed by role ("G", "D").
type Artifact struct {
	Version int
	Nets    map[string][]nn.StateBlob
}

const artifactVersion = 1

// Save snapshots the given networks to path. The file is written to a
// temporary sibling and renamed, so a crash mid-write never clobbers the
// previous snapshot.
func Save(path string, nets map[string]*nn.Network) error {
	art := Artifact{Version: artifactVersion, Nets: make(map[string][]nn.StateBlob, len(nets))}
	for role, net := range nets {
		art.Nets[role] = net.State()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "checkpoint dir")
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	if err := gob.NewEncoder(f).Encode(art); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename checkpoint")
	}
	return nil
}

// Load reads an Artifact from path.
func Load(path string) (Artifact, error) {
	var art Artifact
	f, err := os.Open(path)
	if err != nil {
		return art, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&art); err != nil {
		return art, errors.Wrap(err, "decode checkpoint")
	}
	if art.Version != artifactVersion {
		return art, errors.Errorf("checkpoint version %d, want %d", art.Version, artifactVersion)
	}
	return art, nil
}

// Restore loads the artifact at path into the given networks. Every network
// must find its role in the artifact and every artifact role must have a
// taker; blob shapes are checked by the networks themselves.
func Restore(path string, nets map[string]*nn.Network) error {
	art, err := Load(path)
	if err != nil {
		return err
	}
	for role := range art.Nets {
		if _, ok := nets[role]; !ok {
			return errors.Errorf("checkpoint holds unknown network %q", role)
		}
	}
	roles := make([]string, 0, len(nets))
	for role := range nets {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		blobs, ok := art.Nets[role]
		if !ok {
			return errors.Errorf("checkpoint missing network %q", role)
		}
		if err := nets[role].LoadState(blobs); err != nil {
			return errors.Wrapf(err, "restore %q", role)
		}
	}
	return nil
}
