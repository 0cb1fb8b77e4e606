package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func writeImageShard(t *testing.T, dir, name string, labels []int) string {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for i, label := range labels {
		key := "sample-" + strconv.Itoa(i)
		shade := uint8(30 * (i + 1))
		raw := encodePNG(t, 8, 8, color.NRGBA{R: shade, G: shade, B: shade, A: 255})
		addTarEntry(t, tw, key+".png", raw)
		addTarEntry(t, tw, key+".cls", []byte(strconv.Itoa(label)))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	return path
}

func TestShardSourceBatchesAndDropsRaggedTail(t *testing.T) {
	dir := t.TempDir()
	// 5 labeled samples, batch size 2: expect 2 batches, one sample dropped.
	shardA := writeImageShard(t, dir, "shard-000000.tar", []int{0, 1, 2})
	shardB := writeImageShard(t, dir, "shard-000001.tar", []int{3, 4})

	src := &ShardSource{
		Shards:     []string{shardA, shardB},
		BatchSize:  2,
		Channels:   3,
		Labeled:    true,
		NumWorkers: 2,
	}
	batches, errCh, err := src.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	count := 0
	for batch := range batches {
		count++
		wantShape := []int{2, 3, ImageSize, ImageSize}
		got := []int(batch.X.Shape())
		for i := range wantShape {
			if got[i] != wantShape[i] {
				t.Fatalf("batch shape %v want %v", got, wantShape)
			}
		}
		if len(batch.Labels) != 2 {
			t.Fatalf("expected 2 labels, got %d", len(batch.Labels))
		}
		for _, v := range batch.X.Data().([]float64) {
			if v < -1 || v > 1 {
				t.Fatalf("pixel %v outside [-1,1]", v)
			}
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("pipeline error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 full batches, got %d", count)
	}
}

func TestShardSourceUnlabeledOmitsLabels(t *testing.T) {
	dir := t.TempDir()
	shard := writeImageShard(t, dir, "shard-000000.tar", []int{0, 0})

	src := &ShardSource{Shards: []string{shard}, BatchSize: 2, Channels: 1}
	batches, errCh, err := src.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for batch := range batches {
		if batch.Labels != nil {
			t.Fatalf("unlabeled source produced labels %v", batch.Labels)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("pipeline error: %v", err)
	}
}

func TestShardSourceValidates(t *testing.T) {
	if _, _, err := (&ShardSource{BatchSize: 2, Channels: 3}).Stream(context.Background()); err == nil {
		t.Fatalf("expected error for empty shard list")
	}
	if _, _, err := (&ShardSource{Shards: []string{"x"}, Channels: 3}).Stream(context.Background()); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
}
