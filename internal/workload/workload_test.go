package workload

import (
	"strings"
	"testing"
)

func TestParseTrace(t *testing.T) {
	data := "0.0 key-1 4096 1.2\n1.5 key-2 1024 0.8\n"
	reqs, err := parseTrace(strings.NewReader(data))
	if err != nil {
		t.Fatalf("parseTrace: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("len(reqs) = %d, want 2", len(reqs))
	}
	if reqs[0].Key != "key-1" || reqs[0].ValueSize != 4096 {
		t.Fatalf("reqs[0] = %+v, want Key=key-1 ValueSize=4096", reqs[0])
	}
	if reqs[1].Key != "key-2" || reqs[1].ValueSize != 1024 {
		t.Fatalf("reqs[1] = %+v, want Key=key-2 ValueSize=1024", reqs[1])
	}
}

func TestParseTraceMalformedLine(t *testing.T) {
	if _, err := parseTrace(strings.NewReader("only three fields\n")); err == nil {
		t.Fatal("expected an error for a line with the wrong field count")
	}
}

func TestPartitionRoundRobin(t *testing.T) {
	reqs := make([]Request, 10)
	for i := range reqs {
		reqs[i].Key = string(rune('a' + i))
	}
	shards := Partition(reqs, 3)
	if len(shards) != 3 {
		t.Fatalf("len(shards) = %d, want 3", len(shards))
	}
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	if total != len(reqs) {
		t.Fatalf("total partitioned = %d, want %d", total, len(reqs))
	}
}

func TestZipfKeysSkewed(t *testing.T) {
	keys := ZipfKeys(10000, 1000, 0.99, 1)
	counts := make(map[string]int)
	for _, k := range keys {
		counts[k]++
	}
	if counts["key-0"] < counts["key-999"] {
		t.Fatalf("expected key-0 to be sampled more often than key-999 under a skewed Zipf distribution: %d vs %d", counts["key-0"], counts["key-999"])
	}
}
