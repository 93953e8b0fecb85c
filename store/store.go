package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "topstepflow/config"
	"topstepflow/logger"
	"topstepflow/models"
)

// parquetRecord is the on-disk row shape. Payloads are stored verbatim as
// JSON text so the analyzer can reinterpret shapes the gateway changes later.
type parquetRecord struct {
	Channel    string `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	ContractID string `parquet:"name=contract_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt int64  `parquet:"name=received_at, type=INT64"`
	Payload    string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// write-only usage, seek is never meaningful here
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// MarketDataStore batches streamed market records into parquet files
// partitioned by channel, contract and date, written under the local data
// directory and optionally uploaded to S3. Enqueue never blocks the hub
// dispatch thread; a full buffer drops the record with a warning. Delivery
// is at-least-once and ordering is preserved per channel per contract (one
// worker drains the channel, one flush processes each buffer key).
type MarketDataStore struct {
	config   appconfig.StoreConfig
	s3Client *s3.Client
	rawChan  chan models.MarketRecord
	log      *logger.Log

	ctx         context.Context
	quit        chan struct{}
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	buffer      map[string][]models.MarketRecord
	flushTicker *time.Ticker
}

// NewMarketDataStore creates a store. The S3 client is only built when
// upload is enabled.
func NewMarketDataStore(cfg appconfig.StoreConfig) (*MarketDataStore, error) {
	log := logger.GetLogger()

	s := &MarketDataStore{
		config:  cfg,
		rawChan: make(chan models.MarketRecord, cfg.Buffer),
		log:     log,
		wg:      &sync.WaitGroup{},
	}

	if cfg.S3.Enabled {
		client, err := newS3Client(cfg.S3)
		if err != nil {
			return nil, err
		}
		s.s3Client = client
	}

	log.WithComponent("market_store").WithFields(logger.Fields{
		"buffer":         cfg.Buffer,
		"batch_size":     cfg.BatchSize,
		"flush_interval": cfg.FlushInterval,
		"data_dir":       cfg.DataDir,
		"s3_enabled":     cfg.S3.Enabled,
	}).Info("market data store initialized")

	return s, nil
}

func newS3Client(cfg appconfig.S3Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Enqueue hands one record to the batch worker. Non-blocking: when the
// buffer is full the record is dropped and counted, never stalling the
// caller.
func (s *MarketDataStore) Enqueue(channel models.MarketChannel, contractID string, payload []byte, receivedAt time.Time) {
	record := models.MarketRecord{
		Channel:    channel,
		ContractID: contractID,
		Payload:    payload,
		ReceivedAt: receivedAt,
	}

	select {
	case s.rawChan <- record:
	default:
		s.log.WithComponent("market_store").WithFields(logger.Fields{
			"channel":  channel,
			"contract": contractID,
		}).Warn("store buffer is full, dropping record")
	}
}

// Start launches the batch and flush workers.
func (s *MarketDataStore) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("market data store already running")
	}
	s.running = true
	s.ctx = ctx
	s.quit = make(chan struct{})
	s.buffer = make(map[string][]models.MarketRecord)
	s.flushTicker = time.NewTicker(s.config.FlushInterval)
	s.mu.Unlock()

	log := s.log.WithComponent("market_store").WithFields(logger.Fields{"operation": "start"})

	s.wg.Add(1)
	go s.batchWorker()

	log.Info("market data store started successfully")
	return nil
}

// Stop signals the batch worker, waits for it to drain and flush, then
// returns. Idempotent; it does not depend on the Start context being
// cancelled first.
func (s *MarketDataStore) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	quit := s.quit
	s.mu.Unlock()

	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}

	s.log.WithComponent("market_store").Info("stopping market data store")
	close(quit)
	s.wg.Wait()
	s.log.WithComponent("market_store").Info("market data store stopped")
}

func (s *MarketDataStore) batchWorker() {
	defer s.wg.Done()

	log := s.log.WithComponent("market_store").WithFields(logger.Fields{"worker": "batch"})
	log.Info("starting batch worker")

	for {
		select {
		case <-s.ctx.Done():
			s.drainChannel()
			s.flushBuffers("shutdown")
			log.Info("batch worker stopped due to context cancellation")
			return
		case <-s.quit:
			s.drainChannel()
			s.flushBuffers("shutdown")
			log.Info("batch worker stopped")
			return
		case record := <-s.rawChan:
			s.addRecord(record)
		case <-s.flushTicker.C:
			s.flushBuffers("interval")
		}
	}
}

// drainChannel empties whatever is still queued so a shutdown flush does
// not lose records already handed over.
func (s *MarketDataStore) drainChannel() {
	for {
		select {
		case record := <-s.rawChan:
			s.addRecord(record)
		default:
			return
		}
	}
}

func (s *MarketDataStore) addRecord(record models.MarketRecord) {
	key := s.bufferKey(record.Channel, record.ContractID)

	s.mu.Lock()
	s.buffer[key] = append(s.buffer[key], record)
	full := len(s.buffer[key]) >= s.config.BatchSize
	var records []models.MarketRecord
	if full {
		records = s.buffer[key]
		delete(s.buffer, key)
	}
	s.mu.Unlock()

	if full {
		s.processBatch(key, records, "batch_size")
	}
}

func (s *MarketDataStore) bufferKey(channel models.MarketChannel, contractID string) string {
	return fmt.Sprintf("%s|%s", channel, contractID)
}

func (s *MarketDataStore) flushBuffers(reason string) {
	s.mu.Lock()
	buffers := s.buffer
	s.buffer = make(map[string][]models.MarketRecord)
	s.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	s.log.WithComponent("market_store").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for key, records := range buffers {
		if len(records) == 0 {
			continue
		}
		s.processBatch(key, records, reason)
	}
}

func (s *MarketDataStore) processBatch(key string, records []models.MarketRecord, reason string) {
	first := records[0]
	batchID := uuid.New().String()

	log := s.log.WithComponent("market_store").WithFields(logger.Fields{
		"batch_id":     batchID,
		"channel":      first.Channel,
		"contract":     first.ContractID,
		"record_count": len(records),
		"reason":       reason,
		"operation":    "process_batch",
	})

	data, err := s.createParquetFile(records)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	relKey := s.generateKey(first.Channel, first.ContractID, first.ReceivedAt)

	if s.config.DataDir != "" {
		if err := s.writeLocalFile(relKey, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{"key": relKey}).Error("failed to write local parquet file")
		}
	}

	if s.s3Client != nil {
		if err := s.uploadToS3(relKey, data); err != nil {
			log.WithError(err).
				WithEnv("S3_BUCKET").
				WithFields(logger.Fields{"bucket": s.config.S3.Bucket, "key": relKey}).
				Error("failed to upload to S3")
		}
	}

	logger.IncrementStoreFlush(int64(len(records)))
	log.WithFields(logger.Fields{"file_size": len(data), "key": relKey}).Info("batch flushed")
}

// generateKey builds the partitioned relative path for one batch file.
func (s *MarketDataStore) generateKey(channel models.MarketChannel, contractID string, receivedAt time.Time) string {
	ts := receivedAt.UTC()
	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		channel, contractID, ts.Format("20060102150405"), uuid.New().String()[:8])

	key := filepath.Join(
		fmt.Sprintf("channel=%s", channel),
		fmt.Sprintf("contract=%s", contractID),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		filename,
	)
	return filepath.ToSlash(key)
}

func (s *MarketDataStore) createParquetFile(records []models.MarketRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(parquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch s.config.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, record := range records {
		row := parquetRecord{
			Channel:    string(record.Channel),
			ContractID: record.ContractID,
			ReceivedAt: record.ReceivedAt.UnixMilli(),
			Payload:    string(record.Payload),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (s *MarketDataStore) writeLocalFile(relKey string, data []byte) error {
	path := filepath.Join(s.config.DataDir, filepath.FromSlash(relKey))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create partition directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write parquet file: %w", err)
	}
	return nil
}

func (s *MarketDataStore) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  s.config.Compression,
		},
	}

	ctx := context.WithoutCancel(s.ctx)
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", s.config.S3.Bucket, err)
	}
	return nil
}
