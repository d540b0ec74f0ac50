package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerContextIsPrepended(t *testing.T) {
	var buf bytes.Buffer
	l := &logger{inner: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: levelTrace})), ctx: []interface{}{"svc", "attest"}}

	child := l.New("peer", "127.0.0.1:9000")
	child.Info("hello")

	out := buf.String()
	require.Contains(t, out, "svc=attest")
	require.Contains(t, out, "peer=127.0.0.1:9000")
	require.Contains(t, out, "msg=hello")
}

func TestRootSwap(t *testing.T) {
	var buf bytes.Buffer
	replacement := &logger{inner: slog.New(slog.NewTextHandler(&buf, nil))}
	prev := Root()
	SetRoot(replacement)
	defer SetRoot(prev)

	Info("test message")
	require.Contains(t, buf.String(), "test message")
}
