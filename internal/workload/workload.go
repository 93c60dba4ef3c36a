// Package workload synthesizes and parses the request streams the
// benchmark client replays against a running server: either a Zipfian
// synthetic distribution or a recorded trace file.
package workload

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
)

// Request is one trace line: a key to GET, the value size to fill on a
// miss-then-SET, and the recorded latency from whatever run produced the
// trace (retained for inspection only; the replayer measures its own
// latency rather than trusting this one).
type Request struct {
	Key        string
	ValueSize  int
	RecordedMS float64
}

// ReadTraceFile parses a trace in the four-column
// "timestamp key value_size latency" format (whitespace separated, one
// request per line) into a slice of Request. The timestamp column is
// consumed but not retained: replay order is the file's line order, not a
// reconstructed wall-clock schedule.
func ReadTraceFile(path string) ([]Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return parseTrace(f)
}

func parseTrace(r io.Reader) ([]Request, error) {
	var reqs []Request
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	line := 0
	for sc.Scan() {
		line++
		fields := splitFields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("trace line %d: want 4 fields, got %d", line, len(fields))
		}

		size, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("trace line %d: bad value_size %q: %w", line, fields[2], err)
		}
		lat, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("trace line %d: bad latency %q: %w", line, fields[3], err)
		}

		reqs = append(reqs, Request{Key: fields[1], ValueSize: size, RecordedMS: lat})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan trace file: %w", err)
	}
	return reqs, nil
}

func splitFields(line string) []string {
	var fields []string
	start := -1
	for i, r := range line {
		isSpace := r == ' ' || r == '\t'
		switch {
		case !isSpace && start < 0:
			start = i
		case isSpace && start >= 0:
			fields = append(fields, line[start:i])
			start = -1
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

// Partition splits reqs into numWorkers roughly-equal shards, assigning each
// request to worker (index mod numWorkers) in round-robin order so each
// worker's share stays in file order.
func Partition(reqs []Request, numWorkers int) [][]Request {
	shards := make([][]Request, numWorkers)
	for i, r := range reqs {
		w := i % numWorkers
		shards[w] = append(shards[w], r)
	}
	return shards
}

// ZipfKeys generates n string keys ("key-N") drawn from a Zipfian
// distribution over [0, keySpace), for synthetic workloads that don't need
// a trace file on disk.
func ZipfKeys(n, keySpace int, theta float64, seed uint64) []string {
	ints := zipfInts(n, keySpace, theta, seed)
	keys := make([]string, n)
	for i, v := range ints {
		keys[i] = "key-" + strconv.Itoa(v)
	}
	return keys
}

func zipfInts(n, keySpace int, theta float64, seed uint64) []int {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([]int, n)

	spread := keySpace + 1
	zeta2 := zeta(2, theta)
	zetaN := zeta(uint64(spread), theta)
	alpha := 1.0 / (1.0 - theta)
	eta := (1 - math.Pow(2.0/float64(spread), 1.0-theta)) / (1.0 - zeta2/zetaN)
	halfPowTheta := 1.0 + math.Pow(0.5, theta)

	for i := range n {
		u := rng.Float64()
		uz := u * zetaN

		var result int
		switch {
		case uz < 1.0:
			result = 0
		case uz < halfPowTheta:
			result = 1
		default:
			result = int(float64(spread) * math.Pow(eta*u-eta+1.0, alpha))
		}
		if result >= keySpace {
			result = keySpace - 1
		}
		out[i] = result
	}
	return out
}

// zeta computes the generalized harmonic number sum(1/i^theta) for i=1..n,
// the normalizing constant the Zipf inverse-CDF sampling above needs.
func zeta(n uint64, theta float64) float64 {
	var sum float64
	for i := uint64(1); i <= n; i++ {
		sum += 1.0 / math.Pow(float64(i), theta)
	}
	return sum
}
