package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/redes-chat/chatserver/internal/client"
)

func main() {
	serverAddr := flag.String("server", "localhost:8080", "Server address (host:port, or a ws:// URL with -ws)")
	useWS := flag.Bool("ws", false, "Connect over WebSocket instead of raw TCP")
	timeout := flag.Duration("timeout", client.DefaultRequestTimeout, "How long to wait for each response")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	opts := client.Options{RequestTimeout: *timeout, Logger: logger}

	ctx := context.Background()
	var (
		c   *client.Client
		err error
	)
	if *useWS {
		url := *serverAddr
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			url = "ws://" + url + "/ws"
		}
		c, err = client.DialWebSocket(ctx, url, opts)
	} else {
		c, err = client.Dial(ctx, *serverAddr, opts)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer c.Close()

	logger.Info().Str("server", *serverAddr).Bool("websocket", *useWS).Msg("connected")

	go func() {
		for ev := range c.Events() {
			fmt.Printf("<< %s\n", ev.Raw)
		}
		logger.Info().Msg("connection closed by server")
	}()

	fmt.Println(`Type one JSON request per line, e.g. {"type":"login","username":"alice","password":"secret"}`)
	fmt.Println(`Prefix a line with '!' to send it without waiting for the response ('quit' to exit)`)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			break
		}

		noWait := strings.HasPrefix(text, "!")
		text = strings.TrimPrefix(text, "!")

		var cmd map[string]any
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			logger.Error().Err(err).Msg("input is not a JSON object")
			continue
		}

		if noWait {
			if err := c.Send(cmd); err != nil {
				logger.Error().Err(err).Msg("send failed")
			}
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, *timeout+time.Second)
		reply, err := c.Request(reqCtx, cmd)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("request failed")
			continue
		}
		fmt.Printf("=> %s\n", reply.Raw)
	}

	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("error reading input")
	}
}
