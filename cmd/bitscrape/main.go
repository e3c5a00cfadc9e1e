// Command bitscrape runs a passive BitTorrent DHT crawler and
// metadata collector: it bootstraps into the mainline DHT, harvests
// infohashes from passing get_peers/announce_peer traffic, and fetches
// each one's info dict over a BEP 9 ut_metadata exchange.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/Jayian1890/bitscrape/internal/config"
	"github.com/Jayian1890/bitscrape/internal/crawler"
	"github.com/Jayian1890/bitscrape/internal/logger"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "path to a YAML configuration file (defaults are used if empty or missing)")
		dhtPort    = flag.Int("dht-port", -1, "override the DHT UDP port (0 = random)")
		peerPort   = flag.Int("peer-port", -1, "override peer.listen_port in the config (no inbound peer listener is opened)")
	)
	flag.Parse()

	log := logger.New("main")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bitscrape: loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	if *dhtPort >= 0 {
		cfg.DHT.Port = *dhtPort
	}
	if *peerPort >= 0 {
		cfg.Peer.ListenPort = *peerPort
	}

	c, err := crawler.New(cfg, crawler.Collaborators{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bitscrape: starting session: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome := c.Start(ctx)
	log.Infof("session %s listening on %s, bootstrap outcome=%v", c.SessionID(), c.LocalAddr(), outcome)

	<-ctx.Done()
	log.Infoln("shutting down")
	if err := c.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "bitscrape: shutdown: %v\n", err)
		os.Exit(1)
	}
}
