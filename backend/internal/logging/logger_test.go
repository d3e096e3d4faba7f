package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_TextFormatWritesLevelAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "text", "debug")
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Warn(ctx, "wrn", "b", 2)

	out := buf.String()
	assert.Contains(t, out, "level=DEBUG")
	assert.Contains(t, out, "msg=dbg")
	assert.Contains(t, out, "a=1")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "b=2")
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "json", "info")
	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, `"msg":"shown"`), out)
}

func TestWith_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "text", "info").With("doc", "d-1")
	log.Error(context.Background(), "boom", "k", "v")

	out := buf.String()
	assert.Contains(t, out, "doc=d-1")
	assert.Contains(t, out, "k=v")
}

func TestNop_DoesNotPanic(t *testing.T) {
	l := Nop().With("x", 1)
	l.Info(context.Background(), "ignored")
}
