package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/polcache/polcache/cache"
	"github.com/polcache/polcache/raft"
	"github.com/polcache/polcache/shared/logging"
	"github.com/polcache/polcache/store"
)

func main() {
	addr := os.Getenv("NODE_ADDR")
	if addr == "" {
		panic("NODE_ADDR not set")
	}

	var peers []string
	for _, p := range strings.Split(os.Getenv("NODE_PEERS"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}

	httpPort := 8000
	if v := os.Getenv("HTTP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			panic(fmt.Sprintf("bad HTTP_PORT %q: %v", v, err))
		}
		httpPort = p
	}

	c := cache.New()
	transport := raft.NewRPCTransport(addr)
	node := raft.New(raft.Config{ID: addr, Peers: peers}, c, transport)
	st := store.New(node, c, transport)

	if err := node.Start(); err != nil {
		logging.Errorf("starting node: %v", err)
		os.Exit(1)
	}

	go func() {
		logging.Infof("http api listening on :%d", httpPort)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", httpPort), st.Router()); err != nil {
			logging.Errorf("http api: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down")
	node.Stop()
}
