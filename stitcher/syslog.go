package stitcher

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

const defaultAppName = "order-stitcher"

// AlertSender delivers one RFC5424 line. Implementations must honour ctx cancellation.
type AlertSender interface {
	Send(ctx context.Context, structuredData string, message string) error
}

// SyslogClient writes RFC5424 lines to a TCP syslog receiver, one connection per line.
type SyslogClient struct {
	addr    string
	appName string
}

func NewSyslogClient(addr string) *SyslogClient {
	return &SyslogClient{addr: addr, appName: defaultAppName}
}

func (c *SyslogClient) Send(ctx context.Context, structuredData string, message string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _ := os.Hostname()
	pri := 134 // local0.info
	line := fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n",
		pri,
		time.Now().UTC().Format(time.RFC3339Nano),
		sanitizeSyslogToken(host),
		sanitizeSyslogToken(c.appName),
		structuredData,
		strings.TrimSpace(message),
	)

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// sdParamOrder fixes the position of well-known params; anything else follows sorted.
var sdParamOrder = []string{"job", "service", "type", "asin", "kind", "severity", "level", "alert_id", "run_id"}

func buildStructuredData(sdID string, kv map[string]string) string {
	if sdID == "" {
		sdID = "stitch"
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	write := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeSDParam(v))
		b.WriteString(`"`)
	}
	seen := make(map[string]struct{}, len(kv))
	for _, k := range sdParamOrder {
		v, ok := kv[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		write(k, v)
	}
	extra := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		write(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	return strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		`]`, `\]`,
		"\n", " ",
		"\r", " ",
	).Replace(v)
}
