// Command beeps runs a headless replica: it schedules pings, prints them
// as they come due, syncs with the server, and accepts tagging commands.
//
//	beeps --state ~/.beeps/state.json run
//	beeps --state ~/.beeps/state.json tag 2024-01-01T12:34:56.000000Z work
//	beeps --state ~/.beeps/state.json list
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beeps-db/beeps"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		statePath  = flag.String("state", "", "where to persist the document")
		server     = flag.String("server", "", "sync server base URL (empty disables sync)")
		token      = flag.String("token", "", "bearer token (env BEEPS_TOKEN)")
		email      = flag.String("email", "", "email for login or register")
		password   = flag.String("password", "", "password for login or register (env BEEPS_PASSWORD)")
		watch      = flag.Bool("watch", false, "sync immediately when other replicas push")
		logLevel   = flag.String("log-level", "warn", "off, error, warn, info, debug, or trace")
	)
	flag.Parse()

	level, err := beeps.ParseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := beeps.DefaultReplicaConfig()
	if *configPath != "" {
		loaded, err := beeps.LoadReplicaConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = loaded
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("BEEPS_TOKEN")
	}
	if *statePath != "" {
		cfg.StatePath = *statePath
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *watch {
		cfg.Watch = true
	}
	if cfg.StatePath == "" {
		fmt.Fprintln(os.Stderr, "--state is required")
		return 1
	}

	replica, err := beeps.NewReplica(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := flag.Arg(0)
	if command == "" {
		command = "run"
	}

	switch command {
	case "run":
		replica.MarkSurfaced(time.Now())
		replica.OnPing = func(when time.Time) {
			fmt.Printf("ping! %s\n", when.Local().Format(time.RFC3339))
		}
		if err := replica.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0

	case "register", "login":
		client := replica.Client()
		if client == nil {
			fmt.Fprintln(os.Stderr, "--server is required")
			return 1
		}
		pw := *password
		if pw == "" {
			pw = os.Getenv("BEEPS_PASSWORD")
		}
		if *email == "" || pw == "" {
			fmt.Fprintln(os.Stderr, "--email and --password are required")
			return 1
		}
		var err error
		if command == "register" {
			err = client.Register(ctx, *email, pw)
		} else {
			err = client.Login(ctx, *email, pw)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(client.Token)
		return 0

	case "tag":
		if flag.NArg() != 3 {
			fmt.Fprintln(os.Stderr, "usage: beeps tag <instant> <tag>")
			return 1
		}
		when, err := beeps.ParseInstant(flag.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := replica.Tag(when, flag.Arg(2)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0

	case "untag":
		if flag.NArg() != 2 {
			fmt.Fprintln(os.Stderr, "usage: beeps untag <instant>")
			return 1
		}
		when, err := beeps.ParseInstant(flag.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := replica.Untag(when); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0

	case "rate":
		if flag.NArg() != 2 {
			fmt.Fprintln(os.Stderr, "usage: beeps rate <minutes>")
			return 1
		}
		var minutes int
		if _, err := fmt.Sscanf(flag.Arg(1), "%d", &minutes); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := replica.SetMinutesPerPing(minutes); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0

	case "list":
		state := replica.State()
		for _, when := range state.SortedPings() {
			tag := ""
			if t := state.Tag(when); t != nil {
				tag = *t
			}
			fmt.Printf("%s\t%s\n", beeps.FormatInstant(when), tag)
		}
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		return 1
	}
}
