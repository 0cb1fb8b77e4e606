package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestStreamShardPairsLabeledEntries(t *testing.T) {
	shard := writeShard(t, map[string]filePair{
		"000001": {imageExt: ".jpg", image: []byte("jpeg"), label: 3},
		"000002": {imageExt: ".png", image: []byte("png"), label: 7},
	}, true)

	samples := drainShard(t, shard, true)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	byKey := map[string]Sample{}
	for _, s := range samples {
		if !s.Labeled {
			t.Fatalf("sample %s not labeled", s.Key)
		}
		byKey[s.Key] = s
	}
	if byKey["000001"].Label != 3 || byKey["000002"].Label != 7 {
		t.Fatalf("labels misplaced: %+v", byKey)
	}
}

func TestStreamShardUnlabeledIgnoresClassFiles(t *testing.T) {
	shard := writeShard(t, map[string]filePair{
		"a": {imageExt: ".png", image: []byte("imgA")},
		"b": {imageExt: ".jpg", image: []byte("imgB"), label: 9, withLabel: true},
	}, false)

	samples := drainShard(t, shard, false)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	for _, s := range samples {
		if s.Labeled {
			t.Fatalf("unlabeled stream produced labeled sample %s", s.Key)
		}
	}
}

func TestStreamShardReportsIncompletePairs(t *testing.T) {
	shard := writeShard(t, map[string]filePair{
		"orphan": {imageExt: ".jpg", image: []byte("img")},
	}, false)

	samplesCh, errCh := StreamShard(context.Background(), shard, true, 4)
	for range samplesCh {
	}
	if err := <-errCh; err == nil {
		t.Fatalf("expected incomplete pair error")
	}
}

func drainShard(t *testing.T, path string, labeled bool) []Sample {
	t.Helper()
	samplesCh, errCh := StreamShard(context.Background(), path, labeled, 4)
	var samples []Sample
	for s := range samplesCh {
		samples = append(samples, s)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	return samples
}

type filePair struct {
	imageExt  string
	image     []byte
	label     int
	withLabel bool
}

func writeShard(t *testing.T, data map[string]filePair, labeled bool) string {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for key, pair := range data {
		addTarEntry(t, tw, key+pair.imageExt, pair.image)
		if labeled || pair.withLabel {
			addTarEntry(t, tw, key+".cls", []byte(strconv.Itoa(pair.label)))
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	path := filepath.Join(t.TempDir(), "shard-000000.tar")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	return path
}

func addTarEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}
