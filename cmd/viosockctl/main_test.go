// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"code.hybscloud.com/viosock"
	"code.hybscloud.com/viosock/config"
	"code.hybscloud.com/viosock/transport/loopback"
)

func newProvider(t *testing.T, opts ...viosock.Option) *viosock.Provider {
	t.Helper()
	p := viosock.NewProvider(loopback.New(), append(opts, viosock.WithoutWorkQueue())...)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestParseTarget(t *testing.T) {
	a, err := parseTarget("3:1024")
	require.NoError(t, err)
	require.Equal(t, viosock.Addr{CID: 3, Port: 1024}, a)

	_, err = parseTarget("3")
	require.Error(t, err)
	_, err = parseTarget("x:1")
	require.ErrorIs(t, err, viosock.ErrInvalidParameter)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viosock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  segment_size: 512
transport:
  kind: loopback
  port: 7000
metrics:
  address: ":9999"
`), 0o644))

	cfg, err := loadConfig(&flags{configPath: path, port: 7100, metrics: "-"})
	require.NoError(t, err)
	require.Equal(t, 512, cfg.Engine.SegmentSize)
	require.Equal(t, uint32(7100), cfg.Transport.Port)
	require.Empty(t, cfg.Metrics.Address)

	_, err = loadConfig(&flags{transport: "pipe"})
	require.Error(t, err)
}

func TestSelftest(t *testing.T) {
	m := viosock.NewMetrics()
	p := newProvider(t, viosock.WithMetrics(m), viosock.WithSegmentSize(3))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := []byte(strings.Repeat("ping ", 100))
	require.NoError(t, selftest(ctx, p, 1024, msg))
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Sockets == 0 && st.Contexts == 0 && st.Leases == 0
	}, 5*time.Second, time.Millisecond)
	require.Equal(t, float64(0), testutil.ToFloat64(m.Collectors()[4]))
}

func TestServeStopsOnCancel(t *testing.T) {
	p := newProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, p, 1025, 0) }()

	reply, err := dial(context.Background(), p, viosock.Addr{CID: viosock.CIDAny, Port: 1025}, []byte("abc"))
	for i := 0; err != nil && i < 100; i++ {
		// The listener may not be up yet.
		time.Sleep(10 * time.Millisecond)
		reply, err = dial(context.Background(), p, viosock.Addr{CID: viosock.CIDAny, Port: 1025}, []byte("abc"))
	}
	require.NoError(t, err)
	require.Equal(t, "abc", string(reply))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := run(context.Background(), &flags{metrics: "-"}, []string{"frobnicate"})
	require.ErrorContains(t, err, "unknown command")
}

func TestOpenDevice(t *testing.T) {
	dev, err := openDevice(config.Transport{Kind: config.TransportLoopback, CID: 9})
	require.NoError(t, err)
	require.NotNil(t, dev)
	_, err = openDevice(config.Transport{Kind: "pipe"})
	require.Error(t, err)
}
