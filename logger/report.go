package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed     int64
	errorsOco      int64
	warnsFeed      int64
	warnsOco       int64
	marketEvents   int64
	userEvents     int64
	storeFlushes   int64
	siblingCancels int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "hub") || strings.Contains(component, "feed") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "oco") {
		atomic.AddInt64(&warnsOco, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "hub") || strings.Contains(component, "feed") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "oco") {
		atomic.AddInt64(&errorsOco, 1)
	}
}

func IncrementMarketEvent(size int) {
	atomic.AddInt64(&marketEvents, 1)
	recordChannel("market_hub", size)
}

func IncrementUserEvent(size int) {
	atomic.AddInt64(&userEvents, 1)
	recordChannel("user_hub", size)
}

func IncrementStoreFlush(size int64) {
	atomic.AddInt64(&storeFlushes, 1)
	recordChannel("store_flush", int(size))
}

func IncrementSiblingCancel() {
	atomic.AddInt64(&siblingCancels, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_feed":     atomic.LoadInt64(&errorsFeed),
		"errors_oco":      atomic.LoadInt64(&errorsOco),
		"warns_feed":      atomic.LoadInt64(&warnsFeed),
		"warns_oco":       atomic.LoadInt64(&warnsOco),
		"market_events":   atomic.LoadInt64(&marketEvents),
		"user_events":     atomic.LoadInt64(&userEvents),
		"store_flushes":   atomic.LoadInt64(&storeFlushes),
		"sibling_cancels": atomic.LoadInt64(&siblingCancels),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsOco"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_oco"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsOco"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_oco"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("MarketEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["market_events"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("UserEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["user_events"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StoreFlushes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["store_flushes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SiblingCancels"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sibling_cancels"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
