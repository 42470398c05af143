// Command ctrltap records the event stream of a baresip ctrl_tcp socket as
// JSON lines, for use as replay fixtures.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/sweeney/callstate/internal/baresip"
)

func main() {
	host := flag.String("host", "127.0.0.1", "baresip ctrl_tcp host")
	port := flag.Int("port", 4444, "baresip ctrl_tcp port")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := capture(ctx, *host, *port, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func capture(ctx context.Context, host string, port int, outDir string) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	fmt.Printf("connecting to %s...\n", addr)

	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := d.DialContext(dctx, "tcp", addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".jsonl")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Printf("writing to %s\n", filename)
	fmt.Println("streaming events (ctrl+c to stop)...")

	w := bufio.NewWriter(f)
	defer w.Flush()

	n, err := record(baresip.NewDecoder(conn), w)
	fmt.Printf("captured %d frames\n", n)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// record copies every frame from dec to w, one per line.
func record(dec *baresip.Decoder, w io.Writer) (int, error) {
	n := 0
	for {
		data, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return n, err
		}
		n++
	}
}

var (
	ipPattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern    = regexp.MustCompile(`\b\+?1?\d{10}\b`)
	authPassPattern = regexp.MustCompile(`(auth_pass=)[^;"\s]+`)
	passwordPattern = regexp.MustCompile(`(?i)("password"\s*:\s*")[^"]*`)
)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = sanitizeLine(line)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

func sanitizeLine(line string) string {
	line = authPassPattern.ReplaceAllString(line, "${1}REDACTED")
	line = passwordPattern.ReplaceAllString(line, "${1}REDACTED")

	// keep localhost
	line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
		if ip == "127.0.0.1" {
			return ip
		}
		return "10.0.0.1"
	})

	// external numbers only show up in peer fields and call params
	if strings.Contains(line, `"peeruri"`) || strings.Contains(line, `"param"`) {
		line = phonePattern.ReplaceAllString(line, "15550001234")
	}
	return line
}
