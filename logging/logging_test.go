package logging

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModuleWithoutLoggerDiscards(t *testing.T) {
	log := Module("engine")

	// must not panic on a bare context
	log(context.Background()).Infof("dropped %v", 42)
}

func TestModulePrintf(t *testing.T) {
	var lines []string

	ctx := WithLogger(context.Background(), Printf(func(msg string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(msg, args...))
	}))

	log := Module("store/s3")
	log(ctx).Warnf("sync %v failed", "mirror")
	log(ctx).Infof("retrying")

	require.Equal(t, []string{
		"[store/s3] sync mirror failed",
		"[store/s3] retrying",
	}, lines)
}

func TestWithNilLoggerDiscards(t *testing.T) {
	ctx := WithLogger(context.Background(), nil)

	Module("monitor")(ctx).Errorf("dropped")
}
