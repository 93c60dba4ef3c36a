// Command ebeebench is the trace-replay benchmark client: it opens one
// connection per worker, replays that worker's share of a trace file
// against a running ebeed, and logs per-second and overall latency,
// throughput, and hit-rate to CSV.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tstromberg/ebee/internal/wire"
	"github.com/tstromberg/ebee/internal/workload"
)

// logGranularity is the interval between per-worker CSV log snapshots.
const logGranularity = time.Second

const csvHeader = "timestamp,last_latency_ms,last_throughput,last_hit_rate,overall_latency_ms,overall_throughput,overall_hit_rate\n"

// logRow is one CSV row: a snapshot of a worker's recent and cumulative
// stats at the moment the logging interval elapsed.
type logRow struct {
	timestamp         float64
	lastLatencyMS     float64
	lastThroughput    float64
	lastHitRate       float64
	overallLatencyMS  float64
	overallThroughput float64
	overallHitRate    float64
}

func main() {
	host := flag.String("H", "", "server host")
	port := flag.Int("p", 0, "server port")
	numWorkers := flag.Int("n", 0, "number of worker connections")
	traceFile := flag.String("t", "", "trace file path")
	name := flag.String("N", "exp", "experiment name, used in log file names")
	logFolder := flag.String("l", "", "directory to write per-worker CSV logs into")
	flag.Parse()

	if *host == "" || *port <= 0 || *numWorkers <= 0 || *traceFile == "" {
		fmt.Fprintf(os.Stderr, "usage: ebeebench -H host -p port -n num-workers -t trace-file [-N name] [-l log-folder]\n")
		os.Exit(1)
	}

	reqs, err := workload.ReadTraceFile(*traceFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ebeebench: %v\n", err)
		os.Exit(1)
	}
	shards := workload.Partition(reqs, *numWorkers)

	if *logFolder != "" {
		if err := os.MkdirAll(*logFolder, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "ebeebench: %v\n", err)
			os.Exit(1)
		}
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(*numWorkers)
	for w := range *numWorkers {
		go func(w int) {
			defer wg.Done()
			if err := runWorker(w, addr, shards[w], start, *name, *logFolder); err != nil {
				fmt.Fprintf(os.Stderr, "[W%d] %v\n", w, err)
			}
		}(w)
	}
	wg.Wait()
}

func runWorker(id int, addr string, reqs []workload.Request, start time.Time, name, logFolder string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	client := wire.NewClient(conn)

	var (
		lastReqs, lastHits   int
		lastLatency          time.Duration
		totalReqs, totalHits int
		totalLatency         time.Duration
	)
	nextLog := start.Add(logGranularity)
	var rows []logRow

	fmt.Printf("[W%d] starting, %d requests\n", id, len(reqs))

	for _, r := range reqs {
		reqStart := time.Now()
		_, hit, err := client.Get(r.Key)
		if err != nil {
			return fmt.Errorf("get %q: %w", r.Key, err)
		}
		if hit {
			totalHits++
			lastHits++
		} else {
			value := bytes.Repeat([]byte{'x'}, max(r.ValueSize, 1))
			if err := client.Set(r.Key, value); err != nil {
				return fmt.Errorf("set %q: %w", r.Key, err)
			}
		}
		elapsed := time.Since(reqStart)

		totalReqs++
		lastReqs++
		totalLatency += elapsed
		lastLatency += elapsed

		now := time.Now()
		if now.After(nextLog) || now.Equal(nextLog) {
			rows = append(rows, snapshot(now, start, lastReqs, lastHits, lastLatency, totalReqs, totalHits, totalLatency))
			lastReqs, lastHits, lastLatency = 0, 0, 0
			nextLog = nextLog.Add(logGranularity)
		}
	}

	if logFolder != "" {
		if err := writeCSV(logFolder, name, id, rows); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	return nil
}

func snapshot(now, start time.Time, lastReqs, lastHits int, lastLatency time.Duration, totalReqs, totalHits int, totalLatency time.Duration) logRow {
	elapsed := now.Sub(start).Seconds()

	var lastLatMS, lastThr, lastHR float64
	if lastReqs > 0 {
		lastLatMS = lastLatency.Seconds() * 1e3 / float64(lastReqs)
		lastThr = float64(lastReqs) / logGranularity.Seconds()
		lastHR = 100 * float64(lastHits) / float64(lastReqs)
	}

	var overallLatMS, overallThr, overallHR float64
	if totalReqs > 0 {
		overallLatMS = totalLatency.Seconds() * 1e3 / float64(totalReqs)
		overallThr = float64(totalReqs) / elapsed
		overallHR = 100 * float64(totalHits) / float64(totalReqs)
	}

	return logRow{
		timestamp:         elapsed,
		lastLatencyMS:     lastLatMS,
		lastThroughput:    lastThr,
		lastHitRate:       lastHR,
		overallLatencyMS:  overallLatMS,
		overallThroughput: overallThr,
		overallHitRate:    overallHR,
	}
}

func writeCSV(folder, name string, workerID int, rows []logRow) error {
	path := filepath.Join(folder, fmt.Sprintf("%s_%d.csv", name, workerID))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		_, err := fmt.Fprintf(f, "%g,%g,%g,%g,%g,%g,%g\n",
			r.timestamp, r.lastLatencyMS, r.lastThroughput, r.lastHitRate,
			r.overallLatencyMS, r.overallThroughput, r.overallHitRate)
		if err != nil {
			return err
		}
	}
	return nil
}
