package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gftdcojp/baas-go/internal/relay"
	"github.com/gftdcojp/baas-go/pkg/baas"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var version = "dev"

type options struct {
	server  string
	appID   string
	appKey  string
	natsURL string
	prefix  string
	verbose bool
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", os.Getenv("BAAS_SERVER_URL"), "REST API base URL")
	flag.StringVar(&opts.appID, "app-id", os.Getenv("BAAS_APP_ID"), "application id")
	flag.StringVar(&opts.appKey, "app-key", os.Getenv("BAAS_APP_KEY"), "application key")
	flag.StringVar(&opts.natsURL, "nats", nats.DefaultURL, "NATS URL of the relay")
	flag.StringVar(&opts.prefix, "prefix", "baas", "relay subject prefix")
	flag.BoolVar(&opts.verbose, "v", false, "log client activity to stderr")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "version":
		fmt.Printf("baas-ctl %s\n", version)
	case "status":
		cmdStatus(opts)
	case "route":
		cmdRoute(ctx, newClient(opts))
	case "get":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: baas-ctl get <class> <objectId>")
			os.Exit(1)
		}
		cmdGet(ctx, newClient(opts), args[1], args[2])
	case "incr":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: baas-ctl incr <class> <objectId> <field> [amount]")
			os.Exit(1)
		}
		amount := 1.0
		if len(args) > 4 {
			v, err := strconv.ParseFloat(args[4], 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid amount %q: %v\n", args[4], err)
				os.Exit(1)
			}
			amount = v
		}
		cmdIncr(ctx, newClient(opts), args[1], args[2], args[3], amount)
	case "add-unique":
		if len(args) < 5 {
			fmt.Fprintln(os.Stderr, "usage: baas-ctl add-unique <class> <objectId> <field> <value>...")
			os.Exit(1)
		}
		cmdAddUnique(ctx, newClient(opts), args[1], args[2], args[3], parseValues(args[4:]))
	case "watch":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: baas-ctl watch <class>")
			os.Exit(1)
		}
		cmdWatch(ctx, newClient(opts), args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `baas-ctl - BaaS client and relay CLI

Usage:
  baas-ctl [flags] <command> [args]

Commands:
  route                                 Resolve the realtime gateway
  get <class> <id>                      Fetch an object
  incr <class> <id> <field> [amount]    Atomically increment a field
  add-unique <class> <id> <field> <v>.. Add values to an array field once
  watch <class>                         Stream live query events
  status                                Show relay counters over NATS
  version                               Show version

Flags:
  -server string    REST API base URL (env BAAS_SERVER_URL)
  -app-id string    application id (env BAAS_APP_ID)
  -app-key string   application key (env BAAS_APP_KEY)
  -nats string      NATS URL of the relay (default "nats://127.0.0.1:4222")
  -prefix string    relay subject prefix (default "baas")
  -v                log client activity to stderr`)
}

func newClient(opts options) *baas.Client {
	logger := zap.NewNop()
	if opts.verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}
	c, err := baas.New(baas.Config{
		AppID:     opts.appID,
		AppKey:    opts.appKey,
		ServerURL: opts.server,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return c
}

func cmdRoute(ctx context.Context, c *baas.Client) {
	route, err := c.Router().Lookup(ctx)
	if err != nil {
		fail(err)
	}
	printValue(route)
}

func cmdGet(ctx context.Context, c *baas.Client, class, id string) {
	obj := c.Object(class, id)
	if err := obj.Fetch(ctx); err != nil {
		fail(err)
	}
	printValue(obj.Data())
}

func cmdIncr(ctx context.Context, c *baas.Client, class, id, field string, amount float64) {
	obj := c.Object(class, id)
	if err := obj.Increment(field, amount); err != nil {
		fail(err)
	}
	if err := obj.Save(ctx); err != nil {
		fail(err)
	}
	v, _ := obj.Get(field)
	printValue(map[string]any{field: v})
}

func cmdAddUnique(ctx context.Context, c *baas.Client, class, id, field string, values []any) {
	obj := c.Object(class, id)
	if err := obj.AddUnique(field, values...); err != nil {
		fail(err)
	}
	if err := obj.Save(ctx); err != nil {
		fail(err)
	}
	v, _ := obj.Get(field)
	printValue(map[string]any{field: v})
}

func cmdWatch(ctx context.Context, c *baas.Client, class string) {
	lq, err := c.NewLiveQuery(ctx)
	if err != nil {
		fail(err)
	}
	defer lq.Close()

	sub, err := lq.Subscribe(ctx, baas.Query{ClassName: class})
	if err != nil {
		fail(err)
	}
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sub.Unsubscribe(unsubCtx)
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
				return
			}
			enc.Encode(n)
		}
	}
}

func cmdStatus(opts options) {
	nc, err := nats.Connect(opts.natsURL, nats.Name("baas-ctl"))
	if err != nil {
		fail(err)
	}
	defer nc.Close()

	msg, err := nc.Request(relay.StatusSubject(opts.prefix), nil, 5*time.Second)
	if err != nil {
		fail(err)
	}

	var status []relay.ClassStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tQUERY_ID\tPUBLISHED\tERRORS\tMISSED")
	for _, s := range status {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", s.Class, s.QueryID, s.Published, s.Errors, s.Missed)
	}
	w.Flush()
}

// parseValues decodes each argument as JSON, falling back to a plain string.
func parseValues(args []string) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			v = a
		}
		out = append(out, v)
	}
	return out
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printValue(v any) {
	writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
