package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kokoavailable/rfbreplay/client/sink"
	"github.com/kokoavailable/rfbreplay/configure"
	"github.com/kokoavailable/rfbreplay/container/capture"
	"github.com/kokoavailable/rfbreplay/protocol/api"
	"github.com/kokoavailable/rfbreplay/protocol/playback"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var VERSION = "master"

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return fmt.Sprintf("%s()", f.Function), fmt.Sprintf(" %s:%d", filename, f.Line)
		},
	})
}

func startAPI(g *errgroup.Group, server *api.Server, addr string) {
	if addr == "" {
		log.Info("HTTP-API disabled")
		return
	}
	opListen, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal(err)
	}
	g.Go(func() error {
		log.Info("HTTP-API listen On ", addr)
		if err := server.Serve(opListen); err != nil {
			return fmt.Errorf("HTTP-API: %w", err)
		}
		return nil
	})
}

// startDefault loads capture_file into a session and, with autostart, plays
// it. The returned channel is closed when that session ends.
func startDefault(server *api.Server, captures *capture.Cache, cfg configure.ReplayCfg, opts playback.StartOptions) <-chan struct{} {
	store, err := captures.Open(cfg.CaptureFile)
	if err != nil {
		var fe *capture.FormatError
		if errors.As(err, &fe) {
			log.Fatalf("capture %s is malformed: %v", cfg.CaptureFile, fe)
		}
		log.Fatal(err)
	}

	ended := make(chan struct{})
	var once sync.Once
	end := func() { once.Do(func() { close(ended) }) }

	name := strings.TrimSuffix(filepath.Base(cfg.CaptureFile), filepath.Ext(cfg.CaptureFile))
	sess, err := server.Add(name, cfg.CaptureFile, store, playback.Handlers{
		OnFinish:     func(time.Duration) { end() },
		OnDisconnect: func(bool, int) { end() },
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("session %s ready: key=%s", name, sess.Info().Key)

	if cfg.Autostart {
		if err := sess.Player.Start(opts); err != nil {
			log.Fatal(err)
		}
	}
	return ended
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("rfbreplay panic: ", r)
			time.Sleep(1 * time.Second)
		}
	}()

	log.Infof(`
      _     __                 _
 _ __| |__ / _|_ _ ___ _ __ | |__ _ _  _
| '_|  _ \  _| '_/ -_) '_ \| / _' | || |
|_| |_.__/_| |_| \___| .__/|_\__,_|\_, |
                     |_|           |__/
        version: %s
	`, VERSION)

	// 플래그, 설정 파일, 환경 변수를 읽어 최종 설정을 만든다.
	configure.Load()
	cfg := configure.Current()
	mode, err := playback.ParseMode(cfg.Mode)
	if err != nil {
		log.Fatal(err)
	}
	traffic, err := playback.ParseTraffic(cfg.Traffic)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	captures := capture.NewCache(cfg.CaptureTTL())
	server := api.NewServer(api.Options{
		Captures:   captures,
		CaptureDir: cfg.CaptureDir,
		NewClient: sink.Factory(sink.Config{
			RenderCost: cfg.RenderCost(),
			QueueSize:  cfg.RenderQueue,
		}),
		Player: playback.Config{
			SettleDelay: cfg.SettleDelay(),
			IdleTimeout: cfg.SessionIdle(),
		},
		Mode:             mode,
		ProgressInterval: cfg.ProgressInterval(),
	})

	// API 서버, 세션 정리, 종료 처리를 하나의 그룹으로 묶는다. 하나가 실패하면 ctx 가 취소된다.
	g, ctx := errgroup.WithContext(ctx)

	if cfg.CaptureFile != "" { // 기본 세션 로드
		ended := startDefault(server, captures, cfg, playback.StartOptions{Mode: mode, TrafficManagement: traffic})
		if cfg.ExitOnFinish {
			g.Go(func() error {
				select {
				case <-ended:
					log.Info("default session ended, exiting")
					stop()
				case <-ctx.Done():
				}
				return nil
			})
		}
	}

	startAPI(g, server, cfg.APIAddr)

	g.Go(func() error {
		server.Sessions().CheckAlive(ctx, api.DefaultReapInterval)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
