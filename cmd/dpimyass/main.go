package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/mrsobakin/dpimyass/config"
	"github.com/mrsobakin/dpimyass/relay"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

const defaultConfigPath = "config.toml"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "dpimyass"
	myApp.Usage = "multi-instance UDP relay with symmetric XOR obfuscation"
	myApp.Version = VERSION
	myApp.ArgsUsage = "[config file]"
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		log.Printf("%+v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = defaultConfigPath
	}

	file, err := config.Load(path)
	if err != nil {
		return err
	}
	if len(file.Servers) == 0 {
		log.Println("no [[servers]] entries in config, nothing to do")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchConfig(ctx, path)

	group, groupCtx := errgroup.WithContext(ctx)
	started := 0
	startupFailures := 0
	for i := range file.Servers {
		sc := file.Servers[i]
		core, err := relay.NewServerCore(&sc)
		if err != nil {
			// NewServerCore fails only on BindFailed, which is fatal to
			// this one server instance; other servers are left
			// running and we only refuse to *launch* this one. An
			// invalid config entry never gets here: config.Load
			// rejects the whole file, so no server starts. The
			// process itself still exits non-zero once it eventually
			// shuts down, since at least one configured server never
			// came up.
			log.Printf("[%s] failed to start: %+v", sc.Name, err)
			startupFailures++
			continue
		}
		started++
		log.Printf("[%s] listening on %s, forwarding to %s", sc.Name, core.LocalAddr(), sc.Upstream.Address)

		group.Go(func() error {
			<-groupCtx.Done()
			return core.Close()
		})
		group.Go(func() error {
			err := core.Run(groupCtx)
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if started == 0 {
		return errors.New("no server instance could be started")
	}

	if err := group.Wait(); err != nil {
		return err
	}
	if startupFailures > 0 {
		return errors.Errorf("%d of %d configured servers failed to start", startupFailures, len(file.Servers))
	}
	return nil
}

// watchConfig logs a one-line notice when the config file changes on
// disk. There is no hot reload: a ServerCore's sessions and goroutines
// are not designed to be torn down and rebuilt in place, so the notice
// just tells the operator a restart is needed to pick up the change.
func watchConfig(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("config watch disabled: %v", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		log.Printf("config watch disabled: %v", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
					log.Printf("config file %s changed on disk; restart to apply", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watch error: %v", err)
			}
		}
	}()
}
