package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	talkspace "github.com/HarutyunNersesyan/talk-space-chat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	chatTransport   string
	chatMetricsAddr string
)

var errQuit = errors.New("quit")

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatTransport, "transport", "", "Broker transport: stomp or nats (default from config)")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
}

var chatCmd = &cobra.Command{
	Use:   "chat <partner>",
	Short: "Chat with a partner in real time",
	Long:  "Open the conversation with a partner and chat interactively.\nEvery input line is sent as a message; type /quit to exit.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, id, err := loadSession()
		if err != nil {
			return err
		}
		logger := newLogger()
		dialer, err := getDialer(cfg, chatTransport, logger)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		out := newTranscriptPrinter(os.Stdout)
		session := talkspace.NewSession(id, getClient(cfg, id), dialer, &talkspace.SessionConfig{
			Logger:  logger,
			Metrics: talkspace.NewMetrics(reg),
			Hooks:   out.hooks(),
		})
		defer session.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, gctx := errgroup.WithContext(ctx)

		if chatMetricsAddr != "" {
			srv := &http.Server{
				Addr:              chatMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		if err := session.Start(gctx); err != nil {
			if errors.Is(err, talkspace.ErrAuthenticationMissing) {
				return err
			}
			startNotices(out, err)
		}
		if err := session.Open(gctx, args[0]); err != nil {
			switch {
			case errors.Is(err, talkspace.ErrNotMarkedRead):
				out.notice("could not mark the conversation read")
			case !errors.Is(err, talkspace.ErrStaleResponse):
				return err
			}
		}
		out.notice(fmt.Sprintf("chatting with %s, /quit to exit", args[0]))

		lines := readLines(os.Stdin)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return errQuit
					}
					if err := handleInput(session, out, line); err != nil {
						return err
					}
				}
			}
		})

		if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
			return err
		}
		return nil
	},
}

// startNotices explains a partial Start. The connect and load failures are
// independent and either may be present.
func startNotices(out *transcriptPrinter, err error) {
	if errors.Is(err, talkspace.ErrHandshake) || errors.Is(err, talkspace.ErrTransport) {
		out.notice("connection not ready yet, retrying in the background")
	}
	if errors.Is(err, talkspace.ErrFetch) {
		out.notice("conversation list unavailable")
	}
}

func handleInput(session *talkspace.Session, out *transcriptPrinter, line string) error {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == "/quit":
		return errQuit
	case strings.TrimSpace(line) == "":
		return nil
	}
	_ = session.InputChanged(line)
	if _, err := session.Send(line); err != nil {
		switch {
		case errors.Is(err, talkspace.ErrNotConnected):
			out.notice("not connected, message not sent")
		case errors.Is(err, talkspace.ErrSend):
			// Already printed by the error hook.
		default:
			out.notice(err.Error())
		}
	}
	return nil
}

// readLines feeds stdin lines into a channel closed at EOF. The reader
// goroutine cannot be interrupted and exits with the process.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// ============================================================================
// Output
// ============================================================================

// transcriptPrinter prints each message once. An optimistic message and its
// echo share a client token and count as one. Messages with neither token nor
// id are told apart by sender, time, content and repeat count.
type transcriptPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]bool
}

func newTranscriptPrinter(w io.Writer) *transcriptPrinter {
	return &transcriptPrinter{w: w, printed: make(map[string]bool)}
}

func (p *transcriptPrinter) hooks() talkspace.Hooks {
	return talkspace.Hooks{
		TranscriptChanged: p.transcript,
		Typing: func(partner string, typing bool) {
			if typing {
				p.notice(partner + " is typing...")
			}
		},
		StateChange: func(s talkspace.ConnectionState) {
			p.notice("connection " + string(s))
		},
		Error: func(err error) {
			p.notice("error: " + err.Error())
		},
	}
}

func (p *transcriptPrinter) transcript(_ string, msgs []talkspace.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	repeats := make(map[string]int)
	for _, m := range msgs {
		key := messageKey(m)
		if m.ClientToken == "" && m.ID == 0 {
			repeats[key]++
			key += "#" + strconv.Itoa(repeats[key])
		}
		if p.printed[key] {
			continue
		}
		p.printed[key] = true
		fmt.Fprintln(p.w, formatMessage(m))
	}
}

func messageKey(m talkspace.Message) string {
	switch {
	case m.ClientToken != "":
		return "token:" + m.ClientToken
	case m.ID != 0:
		return "id:" + strconv.FormatInt(int64(m.ID), 10)
	default:
		return "msg:" + m.Sender + "|" + strconv.FormatInt(m.Timestamp.UnixNano(), 10) + "|" + m.Content
	}
}

func (p *transcriptPrinter) notice(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "-- %s\n", s)
}
