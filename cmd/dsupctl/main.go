// Command dsupctl runs a small demonstration supervision tree from a config file and prints its
// stats to stdout until interrupted, useful for poking at restart/backoff/intensity behavior from
// the command line without writing a Go program.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hamicek/dsup"
)

type sleepyWorker struct {
	name string
}

func (w sleepyWorker) Run(ctx context.Context, _ []interface{}) error {
	<-ctx.Done()
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to a dsupctl runtime config YAML file (optional)")
	statsInterval := flag.Duration("stats-interval", 2*time.Second, "how often to print supervisor stats")
	childCount := flag.Int("children", 3, "number of demo children to supervise")
	flag.Parse()

	cfg, err := dsup.LoadRuntimeConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	behaviors := dsup.NewMemoryBehaviorRegistry()
	var children []dsup.ChildSpec
	for i := 0; i < *childCount; i++ {
		name := fmt.Sprintf("worker-%d", i+1)
		behaviors.Register(name, sleepyWorker{name: name})
		children = append(children, dsup.ChildSpec{ID: name, Behavior: name, Restart: dsup.Permanent})
	}

	sup := dsup.New(dsup.SupervisorOptions{
		Name:             "dsupctl",
		Strategy:         dsup.OneForOne,
		Children:         children,
		RestartIntensity: dsup.RestartIntensity{MaxRestarts: 5, WithinMs: 10 * time.Second},
	},
		dsup.WithBehaviorRegistry(behaviors),
		dsup.WithRuntimeConfig(cfg),
	)

	sup.OnLifecycleEvent(func(e dsup.Event) {
		log.Printf("[%s] supervisor=%s child=%s", e.Kind, e.SupervisorID, e.ChildID)
	})

	if err := sup.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer sup.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			log.Println("shutting down")
			return
		case <-ticker.C:
			printStats(sup)
		}
	}
}

func printStats(sup *dsup.Supervisor) {
	stats := sup.GetStats()
	out, err := json.Marshal(stats)
	if err != nil {
		log.Printf("marshal stats: %v", err)
		return
	}
	fmt.Println(string(out))
}
