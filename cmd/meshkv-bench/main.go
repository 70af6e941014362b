// Command meshkv-bench exercises a Client against a running cluster: it
// connects, puts and gets a handful of keys through a map proxy, and
// reports the total elapsed time and operations per second. It is a demo
// binary, not a load-testing tool.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/meshkv/go-client"
)

func main() {
	var (
		seeds       = flag.String("seeds", "127.0.0.1:9999", "comma-separated seed addresses")
		clusterName = flag.String("cluster", "dev", "cluster name presented during authentication")
		mapName     = flag.String("map", "bench-map", "name of the map to exercise")
		ops         = flag.Int("ops", 100, "number of put/get pairs to run")
		timeout     = flag.Duration("timeout", 5*time.Second, "per-operation timeout")
	)
	flag.Parse()

	addresses := strings.Split(*seeds, ",")
	client, err := meshkv.New(
		meshkv.WithSeedAddresses(addresses...),
		meshkv.WithClusterName(*clusterName),
	)
	if err != nil {
		log.Fatalf("meshkv-bench: connect: %v", err)
	}
	defer client.Shutdown()

	m := client.GetMap(*mapName)

	start := time.Now()
	for i := 0; i < *ops; i++ {
		key := "bench-" + strconv.Itoa(i)
		if _, err := m.Put(key, key, *timeout); err != nil {
			log.Fatalf("meshkv-bench: put %s: %v", key, err)
		}
		if _, err := m.Get(key, *timeout); err != nil {
			log.Fatalf("meshkv-bench: get %s: %v", key, err)
		}
	}
	elapsed := time.Since(start)

	fmt.Fprintf(os.Stdout, "%d put/get pairs in %s (%.2f ops/sec)\n", *ops, elapsed, float64(2*(*ops))/elapsed.Seconds())
}
