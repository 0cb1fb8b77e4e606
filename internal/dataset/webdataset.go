package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sample is one record paired out of a WebDataset-style shard. Label is
// meaningful only when Labeled is true.
type Sample struct {
	Key     string
	Image   []byte
	Label   int
	Labeled bool
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams samples from the shard at path. When labeled is true
// a sample is emitted only once both its image and its .cls entry have been
// seen; otherwise .cls entries are ignored and images stream straight
// through.
func StreamShard(ctx context.Context, path string, labeled bool, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)

			switch ext {
			case ".jpg", ".jpeg", ".png":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read image %s", name)
					return
				}
				part := pending[key]
				if part == nil {
					part = &partial{}
					pending[key] = part
				}
				part.image = data
			case ".cls":
				if !labeled {
					continue
				}
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read label %s", name)
					return
				}
				label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
				if err != nil {
					errCh <- errors.Wrapf(err, "parse label %s", name)
					return
				}
				part := pending[key]
				if part == nil {
					part = &partial{}
					pending[key] = part
				}
				part.label = &label
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			part := pending[key]
			if part == nil || !part.ready(labeled) {
				continue
			}
			sample := Sample{Key: key, Image: part.image, Labeled: labeled}
			if labeled {
				sample.Label = *part.label
			}
			delete(pending, key)

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- sample:
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%d samples incomplete in %s", len(pending), filepath.Base(path))
		}
	}()

	return out, errCh
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready(labeled bool) bool {
	if len(p.image) == 0 {
		return false
	}
	return !labeled || p.label != nil
}
