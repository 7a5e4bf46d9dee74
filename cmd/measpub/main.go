// Command measpub publishes measurement samples to the alarm server's
// measurement exchange, for manual end-to-end smoke tests:
//
//	measpub [-config path] [-interval 1s] [-once] <measurement> <value> [value...]
//
// Values are ASCII decimal integers published with the measurement path as
// the routing key, exactly as a real acquisition source would. Without -once
// the tool cycles through the values forever at the configured interval;
// with -once it publishes each value once and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opsgrid/alarmd/internal/broker"
	"github.com/opsgrid/alarmd/internal/config"
)

func main() {
	configPath := flag.String("config", "examples/server_config.toml", "Server configuration file (broker section is used)")
	interval := flag.Duration("interval", time.Second, "Delay between samples")
	once := flag.Bool("once", false, "Publish each value once and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: measpub [-config path] [-interval 1s] [-once] <measurement> <value> [value...]")
		os.Exit(2)
	}
	meas := flag.Arg(0)
	values := make([]int64, 0, flag.NArg()-1)
	for _, arg := range flag.Args()[1:] {
		v, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "measpub: value %q is not a 64-bit integer\n", arg)
			os.Exit(2)
		}
		values = append(values, v)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	brk, err := broker.Dial(cfg.Broker.URL())
	if err != nil {
		logger.Error("failed to connect to broker", slog.Any("error", err))
		os.Exit(1)
	}
	defer brk.Close()

	ch, err := brk.Channel()
	if err != nil {
		logger.Error("failed to open broker channel", slog.Any("error", err))
		os.Exit(1)
	}
	if err := ch.ExchangeDeclare(broker.MeasExchange, "direct", true, false, false, false, nil); err != nil {
		logger.Error("failed to declare measurement exchange", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	publish := func(v int64) error {
		body := strconv.FormatInt(v, 10)
		err := ch.PublishWithContext(ctx, broker.MeasExchange, meas, false, false, amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			Body:         []byte(body),
		})
		if err != nil {
			return err
		}
		logger.Info("sample published", slog.String("meas", meas), slog.String("value", body))
		return nil
	}

	i := 0
	for {
		if err := publish(values[i%len(values)]); err != nil {
			logger.Error("publish failed", slog.Any("error", err))
			os.Exit(1)
		}
		i++
		if *once && i == len(values) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}
