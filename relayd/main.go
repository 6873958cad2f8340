package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"

	"github.com/golang/glog"

	"github.com/relaychat/relay/relay"
)

const Version = "0.1.0"

const DefaultConfigPath = "relayd.yml"

func main() {
	usage := fmt.Sprintf(
		`Relay chat server.

The default config path is %s.

Usage:
    relayd serve [--config=<config>] [--listen=<listen>] [-v...]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      Config file path.
    --listen=<listen>      Listen address, overrides the config.
    -v                     Increase log verbosity.`,
		DefaultConfigPath,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	verboseCount, _ := opts.Int("-v")
	initGlog(verboseCount)

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func initGlog(verboseCount int) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", fmt.Sprintf("%d", verboseCount))
	flag.Parse()
}

func serve(opts docopt.Opts) {
	// optional .env next to the binary
	godotenv.Load()

	configPath := DefaultConfigPath
	if configPathAny := opts["--config"]; configPathAny != nil {
		configPath = configPathAny.(string)
	}

	config := relay.DefaultConfig()
	if loaded, err := relay.LoadConfig(configPath); err == nil {
		config = loaded
	} else if !os.IsNotExist(err) {
		panic(err)
	} else {
		glog.Infof("[main]no config at %s, using defaults\n", configPath)
	}

	if listenAny := opts["--listen"]; listenAny != nil {
		config.ListenAddr = listenAny.(string)
	}

	jwtSecret := os.Getenv(config.JwtSecretEnv)
	if jwtSecret == "" {
		fmt.Fprintf(os.Stderr, "missing jwt secret: set %s\n", config.JwtSecretEnv)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM,
	)
	defer cancel()

	var store relay.MessageStore
	if config.StorePath != "" {
		pebbleStore, err := relay.NewPebbleMessageStore(config.StorePath)
		if err != nil {
			panic(err)
		}
		store = pebbleStore
	} else {
		glog.Infof("[main]no store_path configured, messages are in memory only\n")
		store = relay.NewMemoryMessageStore()
	}
	defer store.Close()

	serverSettings := relay.DefaultServerSettings()
	if 0 < config.HistoryReplayCount {
		serverSettings.GatewaySettings.HistoryReplayCount = config.HistoryReplayCount
		serverSettings.HistoryLimit = config.HistoryReplayCount
	}
	serverSettings.LivenessSettings.TickTimeout = config.LivenessTickTimeout.Or(30 * time.Second)

	var responder relay.Responder
	if config.Responder.Enabled {
		responderSettings := relay.DefaultOpenAiResponderSettings()
		responderSettings.ApiKey = os.Getenv(config.Responder.ApiKeyEnv)
		if config.Responder.Model != "" {
			responderSettings.Model = config.Responder.Model
		}
		responderSettings.BaseUrl = config.Responder.BaseUrl
		responder = relay.NewOpenAiResponder(responderSettings)
		serverSettings.GatewaySettings.ResponderUser = &relay.UserAuth{
			UserId:      relay.NewId(),
			DisplayName: config.Responder.DisplayName,
			Role:        relay.RoleMember,
		}
	}

	server := relay.NewServer(ctx, store, responder, relay.NewAuthVerifier([]byte(jwtSecret)), serverSettings)
	defer server.Close()

	httpServer := &http.Server{
		Addr:    config.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		defer cancel()
		fmt.Printf("relayd %s on %s\n", Version, config.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	<-ctx.Done()

	httpServer.Shutdown(ctx)
}
