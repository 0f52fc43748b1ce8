package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/term"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bringyour/fieldsync/fieldsync"
)

const FieldSyncCtlVersion = "0.0.1"

const DefaultRelayAddr = ":8090"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`Field sync control.

Edits are sent to the other users on the same document channel.
Values are json. A value that is not json is sent as a string.

Usage:
    fieldsyncctl relay [--addr=<addr>] [--redis_addr=<redis_addr>] [--v=<level>]
    fieldsyncctl edit --url=<url> (--jwt=<jwt> | --user=<user_id> [--user_name=<user_name>])
        --reference=<reference> --site=<site> --name=<name>
        [--debounce=<debounce>] [--v=<level>]
    fieldsyncctl set --url=<url> (--jwt=<jwt> | --user=<user_id> [--user_name=<user_name>])
        --reference=<reference> --site=<site> --name=<name>
        --field=<field> <value>
        [--debounce=<debounce>] [--v=<level>]
    fieldsyncctl watch --url=<url> (--jwt=<jwt> | --user=<user_id> [--user_name=<user_name>])
        --reference=<reference> --site=<site> --name=<name> [--v=<level>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --addr=<addr>                Relay listen address [default: %s].
    --redis_addr=<redis_addr>    Share whispers with other relays through redis.
    --url=<url>                  Relay websocket url, e.g. ws://localhost:8090/
    --jwt=<jwt>                  Session jwt. The user_id claim is the user.
    --user=<user_id>             User id.
    --user_name=<user_name>      Display name.
    --reference=<reference>      Document reference, e.g. pages::home.
    --site=<site>                Site handle.
    --name=<name>                Publish form name.
    --field=<field>              Field handle.
    --debounce=<debounce>        Debounce window [default: 500ms].
    --v=<level>                  Log verbosity.`, DefaultRelayAddr)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FieldSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if level, err := opts.String("--v"); err == nil && level != "" {
		flag.Set("v", level)
	}
	defer glog.Flush()

	if relay_, _ := opts.Bool("relay"); relay_ {
		relay(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func relay(opts docopt.Opts) {
	addr, _ := opts.String("--addr")

	ctx, cancel := signalContext()
	defer cancel()

	var backplane fieldsync.Backplane
	if redisAddr, err := opts.String("--redis_addr"); err == nil && redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			Err.Fatalf("Could not connect to redis %s: %s", redisAddr, err)
		}
		backplane = fieldsync.NewRedisBackplane(client)
	}

	relay := fieldsync.NewRelayWithDefaults(ctx, backplane)
	defer relay.Close()

	server := &http.Server{
		Addr:    addr,
		Handler: relay,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	Out.Printf("Relay listening on %s\n", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Fatalf("%s", err)
	}
}

// a connected workspace for one document
type session struct {
	config      *fieldsync.StaticConfig
	container   fieldsync.Container
	broadcaster *fieldsync.WsBroadcaster
	store       *fieldsync.DocumentStore
	workspace   *fieldsync.Workspace
}

func openSession(ctx context.Context, opts docopt.Opts) *session {
	url, _ := opts.String("--url")
	reference, _ := opts.String("--reference")
	site, _ := opts.String("--site")
	name, _ := opts.String("--name")

	var config *fieldsync.StaticConfig
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		config, err = fieldsync.NewJwtConfig(jwt)
		if err != nil {
			Err.Fatalf("Bad jwt: %s", err)
		}
	} else {
		userId, _ := opts.String("--user")
		userName, _ := opts.String("--user_name")
		config = fieldsync.NewStaticConfig(userId, userName)
	}

	settings := fieldsync.DefaultWorkspaceSettings()
	if debounceStr, err := opts.String("--debounce"); err == nil && debounceStr != "" {
		debounce, err := time.ParseDuration(debounceStr)
		if err != nil {
			Err.Fatalf("Bad debounce: %s", err)
		}
		settings.DebounceTimeout = debounce
	}

	broadcaster, err := fieldsync.NewWsBroadcasterWithDefaults(ctx, url, config.Member())
	if err != nil {
		Err.Fatalf("Could not connect to %s: %s", url, err)
	}

	container := fieldsync.Container{
		Reference: reference,
		Site:      site,
		Name:      name,
	}
	store := fieldsync.NewDocumentStore()
	notifier := fieldsync.NotifyFunction(func(message string) {
		Out.Printf("* %s\n", message)
	})
	workspace := fieldsync.NewWorkspace(ctx, container, broadcaster, store, config, notifier, settings)

	return &session{
		config:      config,
		container:   container,
		broadcaster: broadcaster,
		store:       store,
		workspace:   workspace,
	}
}

// start and wait for the roster
func (self *session) start(ctx context.Context) {
	active := make(chan struct{})
	var activeOnce sync.Once
	unsubscribe := self.workspace.AddPresenceCallback(func(event *fieldsync.PresenceEvent) {
		if event.Type == fieldsync.PresenceEventHere {
			activeOnce.Do(func() {
				close(active)
			})
		}
	})
	defer unsubscribe()

	if err := self.workspace.Start(); err != nil {
		Err.Fatalf("Could not start: %s", err)
	}
	select {
	case <-active:
	case <-self.broadcaster.Done():
		Err.Fatalf("Connection closed.")
	case <-ctx.Done():
		os.Exit(1)
	}
}

func (self *session) close() {
	if err := self.workspace.Destroy(); err != nil {
		Err.Printf("%s", err)
	}
	self.broadcaster.Close()
}

// print values applied from other users
func (self *session) printRemoteValues() func() {
	return self.store.Subscribe(func(mutation *fieldsync.Mutation) {
		if mutation.Payload.UserId != self.config.UserId() {
			Out.Printf("%s = %s (%s)\n",
				mutation.Payload.FieldId,
				fieldsync.ValueString(mutation.Payload.Value),
				mutation.Payload.UserId,
			)
		}
	})
}

func (self *session) setValue(fieldId string, valueStr string) error {
	payload := fieldsync.NewPayload(fieldId, parseValue(valueStr), self.config.UserId())
	return self.store.SetValue(self.container.Name, payload)
}

func edit(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	s := openSession(ctx, opts)
	defer s.close()
	s.start(ctx)
	defer s.printRemoteValues()()

	var readLine func() (string, error)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			Err.Fatalf("%s", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		terminal := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}, "> ")
		// keep remote output from clobbering the prompt
		Out.SetOutput(terminal)
		readLine = terminal.ReadLine
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		readLine = func() (string, error) {
			if scanner.Scan() {
				return scanner.Text(), nil
			}
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := readLine()
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	Out.Printf("Enter field=value. Ctrl-D to exit.\n")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.broadcaster.Done():
			Out.Printf("Connection closed.\n")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			fieldId, valueStr, found := strings.Cut(line, "=")
			if !found {
				Out.Printf("Expected field=value\n")
				continue
			}
			if err := s.setValue(strings.TrimSpace(fieldId), strings.TrimSpace(valueStr)); err != nil {
				Out.Printf("%s\n", err)
			}
		}
	}
}

func set(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	fieldId, _ := opts.String("--field")
	valueStr, _ := opts.String("<value>")

	s := openSession(ctx, opts)
	defer s.close()
	s.start(ctx)

	if err := s.setValue(fieldId, valueStr); err != nil {
		Err.Fatalf("%s", err)
	}

	// let the debounce window close before leaving
	debounce := fieldsync.DefaultDebounceTimeout
	if debounceStr, err := opts.String("--debounce"); err == nil {
		if d, err := time.ParseDuration(debounceStr); err == nil {
			debounce = d
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(debounce + 250*time.Millisecond):
	}
}

func watch(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	s := openSession(ctx, opts)
	defer s.close()
	defer s.printRemoteValues()()
	s.start(ctx)

	select {
	case <-ctx.Done():
	case <-s.broadcaster.Done():
		Out.Printf("Connection closed.\n")
	}
}

func parseValue(valueStr string) *structpb.Value {
	value := &structpb.Value{}
	if err := protojson.Unmarshal([]byte(valueStr), value); err != nil {
		return structpb.NewStringValue(valueStr)
	}
	return value
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
