package relay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		exp     Config
		wantErr bool
	}{
		{
			name: "empty document",
			yaml: "",
			exp:  Config{},
		},
		{
			name: "all fields",
			yaml: "poll_interval: 5ms\nmax_poll_interval: 50ms\nbuffer_size: 4096\nprobe: peek\n",
			exp: Config{
				PollInterval:    5 * time.Millisecond,
				MaxPollInterval: 50 * time.Millisecond,
				BufferSize:      4096,
				ProbeKind:       ProbeKindPeek,
			},
		},
		{
			name:    "unknown probe",
			yaml:    "probe: select\n",
			wantErr: true,
		},
		{
			name:    "unknown key",
			yaml:    "interval: 5ms\n",
			wantErr: true,
		},
		{
			name:    "negative buffer",
			yaml:    "buffer_size: -1\n",
			wantErr: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := DecodeConfig(strings.NewReader(c.yaml))
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: 1ms\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, cfg.PollInterval)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWithConfigMergesAndNormalizes(t *testing.T) {
	r := newRelay(&fakeWatcher{}, []Option{
		WithBufferSize(128),
		WithConfig(Config{PollInterval: 3 * time.Millisecond}),
	})
	assert.Equal(t, 3*time.Millisecond, r.cfg.PollInterval)
	assert.Equal(t, 3*time.Millisecond, r.cfg.MaxPollInterval)
	assert.Equal(t, 128, r.cfg.BufferSize)
	assert.Equal(t, ProbeKindDefault, r.cfg.ProbeKind)
}

func TestParseProbeKind(t *testing.T) {
	for in, exp := range map[string]ProbeKind{
		"":         ProbeKindDefault,
		"default":  ProbeKindDefault,
		"nonblock": ProbeKindNonblock,
		"PEEK":     ProbeKindPeek,
	} {
		k, err := ParseProbeKind(in)
		require.NoError(t, err)
		assert.Equal(t, exp, k)
	}
	_, err := ParseProbeKind("epoll")
	assert.Error(t, err)
}
