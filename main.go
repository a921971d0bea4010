package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"VBridge/global"
	gconfig "VBridge/global/config"
	"VBridge/service/httpapi"
	jwtsec "VBridge/tools/security"
)

func main() {
	var (
		cfgPath  string
		issue    string
		scopes   string
		tokenTTL time.Duration
	)
	flag.StringVar(&cfgPath, "config", "config.yaml", "config file (yaml), empty for env only")
	flag.StringVar(&issue, "issue-token", "", "print an admin api token for this QQ id and exit")
	flag.StringVar(&scopes, "scopes", httpapi.ScopeRead+","+httpapi.ScopeWrite, "token scopes, comma separated")
	flag.DurationVar(&tokenTTL, "token-ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if cfgPath != "" {
		if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
			log.Printf("config %s not found, using defaults and env", cfgPath)
			cfgPath = ""
		}
	}
	cfg, err := gconfig.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	if issue != "" {
		opts := jwtsec.DefaultOptions([]byte(cfg.HTTP.JWTSecret))
		opts.TTL = tokenTTL
		token, exp, err := jwtsec.Generate(opts, issue, strings.Split(scopes, ","))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(token)
		log.Printf("expires at %s", exp.Format(time.RFC3339))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := global.Build(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close()

	log.Printf("vbridge start chat=%s store=%s http=%q", cfg.Chat.Driver, cfg.Store.Backend, cfg.HTTP.Addr)
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		app.Close()
		log.Fatal(err)
	}
	log.Println("vbridge exit")
}
