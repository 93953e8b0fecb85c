package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	appconfig "topstepflow/config"
	"topstepflow/models"
)

func testStoreConfig(dataDir string) appconfig.StoreConfig {
	return appconfig.StoreConfig{
		Enabled:       true,
		Buffer:        16,
		BatchSize:     100,
		FlushInterval: time.Hour, // flush driven by the tests, not the ticker
		DataDir:       dataDir,
		Compression:   "snappy",
	}
}

func findParquetFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".parquet") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk data dir: %v", err)
	}
	return files
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	cfg := testStoreConfig(t.TempDir())
	cfg.Buffer = 2
	s, err := NewMarketDataStore(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	// no worker running: the third record must be dropped, not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			s.Enqueue(models.ChannelQuote, "A", []byte(`{}`), time.Now())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full buffer")
	}
}

func TestShutdownFlushWritesPartitionedFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMarketDataStore(testStoreConfig(dir))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	received := time.Date(2025, 6, 2, 14, 3, 0, 0, time.UTC)
	s.Enqueue(models.ChannelQuote, "CON.F.US.MNQ.M25", []byte(`{"bid":1.25}`), received)
	s.Enqueue(models.ChannelTrade, "CON.F.US.MNQ.M25", []byte(`{"price":2.5}`), received)

	cancel()
	s.Stop()

	files := findParquetFiles(t, dir)
	if len(files) != 2 {
		t.Fatalf("expected 2 parquet files, got %d: %v", len(files), files)
	}

	var sawQuote, sawTrade bool
	for _, f := range files {
		rel, _ := filepath.Rel(dir, f)
		rel = filepath.ToSlash(rel)
		if !strings.Contains(rel, "contract=CON.F.US.MNQ.M25") || !strings.Contains(rel, "date=2025-06-02") {
			t.Errorf("unexpected partition path: %s", rel)
		}
		if strings.Contains(rel, "channel=quote") {
			sawQuote = true
		}
		if strings.Contains(rel, "channel=trade") {
			sawTrade = true
		}
	}
	if !sawQuote || !sawTrade {
		t.Errorf("missing channel partitions in %v", files)
	}
}

// Stop must drain and flush on its own; it cannot require the Start context
// to be cancelled first, or shutdown ordering mistakes hang in wg.Wait.
func TestStopFlushesWithoutContextCancel(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMarketDataStore(testStoreConfig(dir))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Enqueue(models.ChannelQuote, "A", []byte(`{"bid":1.25}`), time.Now())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return without a context cancel")
	}

	if files := findParquetFiles(t, dir); len(files) != 1 {
		t.Fatalf("expected 1 parquet file after Stop, got %d: %v", len(files), files)
	}

	// a second Stop is a no-op
	s.Stop()
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)
	cfg.BatchSize = 3
	s, err := NewMarketDataStore(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer cancel()
	defer s.Stop()

	for i := 0; i < 3; i++ {
		s.Enqueue(models.ChannelDepth, "A", []byte(`{"levels":[]}`), time.Now())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(findParquetFiles(t, dir)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch-size flush produced %d files, want 1", len(findParquetFiles(t, dir)))
}
